package commands

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/DataDog/zklock/cluster/zookeeper"
	"github.com/DataDog/zklock/lockmetrics"
	"github.com/DataDog/zklock/lockmetrics/datadog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type metricsParams struct {
	listen      string
	ddAPIKey    string
	ddAppKey    string
	ddEventTags []string
}

func metricsParamsFromCmd(cmd *cobra.Command) (params metricsParams) {
	listen, _ := cmd.Flags().GetString("metrics-listen")
	params.listen = listen
	ddAPIKey, _ := cmd.Flags().GetString("dd-api-key")
	params.ddAPIKey = ddAPIKey
	ddAppKey, _ := cmd.Flags().GetString("dd-app-key")
	params.ddAppKey = ddAppKey
	tags, _ := cmd.Flags().GetString("dd-event-tags")
	if tags != "" {
		params.ddEventTags = strings.Split(tags, ",")
	}
	return params
}

// observer returns an Observer that fans out to base and to whichever metrics
// backends are configured, along with a func that shuts the backends down.
func (p metricsParams) observer(base ...zookeeper.Observer) (zookeeper.Observer, func(), error) {
	obs := append([]zookeeper.Observer(nil), base...)
	var closers []func()

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if p.listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		pm, err := lockmetrics.NewPrometheus(reg, "zklock")
		if err != nil {
			return nil, nil, err
		}
		obs = append(obs, pm)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: p.listen, Handler: mux}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics listener error: %s\n", err)
			}
		}()

		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}

	if p.ddAPIKey != "" {
		dd, err := datadog.NewObserver(&datadog.Config{
			APIKey: p.ddAPIKey,
			AppKey: p.ddAppKey,
			Tags:   p.ddEventTags,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		obs = append(obs, dd)
		closers = append(closers, dd.Close)
	}

	return lockmetrics.Tee(obs...), closeAll, nil
}
