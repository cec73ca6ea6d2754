package config

import (
	"testing"

	"github.com/loykin/edgevisor/internal/env"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n#comment\n\nexport B=two\nC=\"quoted value\"\nD='single'\n")
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	m := env.ParseKV(pairs)
	if m["A"] != "1" || m["B"] != "two" || m["C"] != "quoted value" || m["D"] != "single" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestLoadEnvFileRejectsGarbage(t *testing.T) {
	dotenv := writeFile(t, t.TempDir(), ".env", "A=1\nnot a pair\n")
	if _, err := LoadEnvFile(dotenv); err == nil {
		t.Fatalf("expected error for line without '='")
	}
}

func TestLoadEnvFileInvalidPath(t *testing.T) {
	if _, err := LoadEnvFile("/definitely/not/exist.env"); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestLoadGlobalEnv_Merge(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OS_ONLY", "osv")
	t.Setenv("OVERRIDDEN", "os")
	writeFile(t, dir, ".env", "FILE_ONLY=fv\nOVERRIDDEN=file\nCHAIN=${OS_ONLY}-x\n")
	cfgPath := writeFile(t, dir, "cfg.toml", ""+
		"use_os_env = true\n"+
		"env_files = [\".env\"]\n"+
		"env = [\"TOP=tv\", \"OVERRIDDEN=top\"]\n")

	pairs, err := LoadGlobalEnv(cfgPath)
	if err != nil {
		t.Fatalf("LoadGlobalEnv: %v", err)
	}
	m := env.ParseKV(pairs)
	if m["OS_ONLY"] != "osv" {
		t.Fatalf("missing OS_ONLY: %v", m["OS_ONLY"])
	}
	if m["FILE_ONLY"] != "fv" {
		t.Fatalf("missing FILE_ONLY: %v", m["FILE_ONLY"])
	}
	if m["TOP"] != "tv" {
		t.Fatalf("missing TOP: %v", m["TOP"])
	}
	if m["OVERRIDDEN"] != "top" {
		t.Fatalf("top-level env must win, got %v", m["OVERRIDDEN"])
	}
}

func TestLoadGlobalEnv_WithoutOSEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OS_ONLY", "osv")
	cfgPath := writeFile(t, dir, "cfg.toml", "env = [\"TOP=tv\"]\n")
	pairs, err := LoadGlobalEnv(cfgPath)
	if err != nil {
		t.Fatalf("LoadGlobalEnv: %v", err)
	}
	m := env.ParseKV(pairs)
	if _, ok := m["OS_ONLY"]; ok {
		t.Fatalf("OS env leaked without use_os_env")
	}
	if m["TOP"] != "tv" {
		t.Fatalf("missing TOP")
	}
}
