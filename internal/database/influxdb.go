// Package database pushes cycle observations to InfluxDB for offline
// analysis. The sink is best-effort: a failed write never blocks or stops
// the control loop, points are spooled to disk instead.
package database

import (
	"context"
	"time"

	"contention-agent/internal/config"
	"contention-agent/internal/detect"
	"contention-agent/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
	hostname string
	spool    *Spool
	logger   *logrus.Logger
}

func NewInfluxDBClient(cfg config.DatabaseConfig, hostname string) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Password)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Warn("InfluxDB health check did not pass")
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Name,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Name),
		bucket:   cfg.Name,
		org:      cfg.Org,
		hostname: hostname,
		spool:    NewSpool(DefaultSpoolDir()),
		logger:   logger,
	}, nil
}

// WriteMetrics pushes one cycle's derived metrics.
func (idb *InfluxDBClient) WriteMetrics(metrics []detect.Metric, timestamp time.Time) {
	if len(metrics) == 0 {
		return
	}

	points := make([]*write.Point, 0, len(metrics))
	for _, metric := range metrics {
		tags := map[string]string{"hostname": idb.hostname}
		for k, v := range metric.Labels {
			tags[k] = v
		}
		points = append(points, influxdb2.NewPoint("contention_metrics",
			tags,
			map[string]interface{}{metric.Name: metric.Value},
			timestamp))
	}

	idb.writePoints(points, timestamp, metrics, nil)
}

// WriteAnomalies pushes detected contention events.
func (idb *InfluxDBClient) WriteAnomalies(anomalies []detect.Anomaly, timestamp time.Time) {
	if len(anomalies) == 0 {
		return
	}

	points := make([]*write.Point, 0, len(anomalies))
	for _, anomaly := range anomalies {
		points = append(points, influxdb2.NewPoint("contention_events",
			map[string]string{
				"hostname":     idb.hostname,
				"resource":     string(anomaly.Resource),
				"container_id": anomaly.ContendedTaskID,
			},
			map[string]interface{}{
				"contending_count": len(anomaly.ContendingTaskIDs),
			},
			timestamp))
	}

	idb.writePoints(points, timestamp, nil, anomalies)
}

func (idb *InfluxDBClient) writePoints(points []*write.Point, timestamp time.Time, metrics []detect.Metric, anomalies []detect.Anomaly) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		idb.logger.WithError(err).Warn("Failed to write points to InfluxDB, spooling")
		if spoolErr := idb.spool.Append(timestamp, metrics, anomalies); spoolErr != nil {
			idb.logger.WithError(spoolErr).Warn("Failed to spool points")
		}
	}
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
