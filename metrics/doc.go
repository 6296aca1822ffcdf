// Package metrics exports the runtime activity as Prometheus collectors.
//
//	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
//	if err := collector.Register(); err != nil {
//		return err
//	}
//	client, err := carotte.New(cfg, carotte.WithMetrics(collector))
package metrics
