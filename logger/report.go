package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch       int64
	errorsSink        int64
	warnsFetch        int64
	warnsSink         int64
	fetchReads        int64
	fetchRetries      int64
	recordsNormalized int64
	recordsDropped    int64
	sinkWrites        int64
	watermarkWrites   int64
	flows             sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "fetch") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "fetch") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsSink, 1)
	}
}

// IncrementFetchRead records one successful upstream fetch of size bytes.
func IncrementFetchRead(size int) {
	atomic.AddInt64(&fetchReads, 1)
	recordFlow("aggregates_fetch", size)
}

// IncrementFetchRetry records one retried fetch attempt.
func IncrementFetchRetry() {
	atomic.AddInt64(&fetchRetries, 1)
}

// IncrementRecordsNormalized records bars that passed normalization.
func IncrementRecordsNormalized(n int) {
	atomic.AddInt64(&recordsNormalized, int64(n))
}

// IncrementRecordsDropped records malformed bars dropped during normalization.
func IncrementRecordsDropped(n int) {
	atomic.AddInt64(&recordsDropped, int64(n))
}

// IncrementSinkWrite records one sink delivery of size bytes.
func IncrementSinkWrite(name string, size int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordFlow(name, size)
}

// IncrementWatermarkPersist records one persisted watermark.
func IncrementWatermarkPersist() {
	atomic.AddInt64(&watermarkWrites, 1)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_fetch":       atomic.LoadInt64(&errorsFetch),
		"errors_sink":        atomic.LoadInt64(&errorsSink),
		"warns_fetch":        atomic.LoadInt64(&warnsFetch),
		"warns_sink":         atomic.LoadInt64(&warnsSink),
		"fetch_reads":        atomic.LoadInt64(&fetchReads),
		"fetch_retries":      atomic.LoadInt64(&fetchRetries),
		"records_normalized": atomic.LoadInt64(&recordsNormalized),
		"records_dropped":    atomic.LoadInt64(&recordsDropped),
		"sink_writes":        atomic.LoadInt64(&sinkWrites),
		"watermark_writes":   atomic.LoadInt64(&watermarkWrites),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
		"flows":              flowData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-ErrorsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_sink"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-WarnsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_sink"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-FetchReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-FetchRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-RecordsNormalized"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["records_normalized"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-RecordsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["records_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-WatermarkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["watermark_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Barflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Barflow-FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Barflow-FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
