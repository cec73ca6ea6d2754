package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/edgevisor/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printStatusTable(w io.Writer, sts map[string]client.ServiceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tPORT\tRESTARTS\tUPTIME\tREQUIRED\tLAST ERROR")
	for _, name := range sortedKeys(sts) {
		st := sts[name]
		pid, port, uptime := "-", "-", "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		if st.Port > 0 {
			port = fmt.Sprint(st.Port)
		}
		if !st.StartedAt.IsZero() && st.PID > 0 {
			uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
		}
		lastErr := st.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			name, st.State, pid, port, st.RestartCount, uptime, st.Required, lastErr)
	}
	return tw.Flush()
}

func printHealthTable(w io.Writer, rep client.HealthReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tHEALTHY\tRESULT\tREASON")
	for _, name := range sortedKeys(rep.Services) {
		sh := rep.Services[name]
		result, reason := "-", "-"
		if sh.Result != nil {
			result = sh.Result.Kind
			if sh.Result.Reason != "" {
				reason = sh.Result.Reason
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", name, sh.State, sh.Healthy, result, reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	overall := "healthy"
	if !rep.OverallHealthy {
		overall = "unhealthy"
	}
	_, err := fmt.Fprintf(w, "\noverall: %s\n", overall)
	return err
}
