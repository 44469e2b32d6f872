package cli

import (
	"expvar"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"labledger/internal/core"
)

// MetricsCmd runs the maintenance scheduler with metrics exposed over HTTP:
// Prometheus on /metrics and the expvar dump on /debug/vars.
func MetricsCmd() *cobra.Command {
	var (
		listen        string
		approversPath string
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve operation metrics and run scheduled maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			approvers, err := loadApprovers(approversPath)
			if err != nil {
				return err
			}
			registry := prometheus.NewRegistry()
			recorder, err := core.NewPrometheusMetricsRecorder(registry)
			if err != nil {
				return err
			}
			svc, cleanup, err := buildService(cmd.Context(), core.WithMetricsRecorder(recorder))
			if err != nil {
				return err
			}
			defer cleanup()

			svc.ScheduleMaintenance(func() []core.Actor { return approvers })

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.Handle("/debug/vars", expvar.Handler())
			server := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			fmt.Printf("serving metrics on %s\n", listen)
			return server.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9120", "HTTP listen address")
	cmd.Flags().StringVar(&approversPath, "approvers", "approvers.json", "JSON file with the approver roster")
	return cmd
}
