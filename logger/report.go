package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConnector int64
	errorsServer    int64
	warnsConnector  int64
	warnsServer     int64
	eventsReceived  int64
	eventsRouted    int64
	eventsDropped   int64
	reconnects      int64
	recorderFlushes int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "connector") {
		atomic.AddInt64(&warnsConnector, 1)
	} else if strings.Contains(component, "server") {
		atomic.AddInt64(&warnsServer, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "connector") {
		atomic.AddInt64(&errorsConnector, 1)
	} else if strings.Contains(component, "server") {
		atomic.AddInt64(&errorsServer, 1)
	}
}

func IncrementEventReceived(size int) {
	atomic.AddInt64(&eventsReceived, 1)
	recordChannel("upstream_events", size)
}

func IncrementEventRouted(deliveries int) {
	atomic.AddInt64(&eventsRouted, int64(deliveries))
}

func IncrementEventDropped() {
	atomic.AddInt64(&eventsDropped, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementRecorderFlush(size int64) {
	atomic.AddInt64(&recorderFlushes, 1)
	recordChannel("recorder_flush", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
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

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
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
		"errors_connector": atomic.LoadInt64(&errorsConnector),
		"errors_server":    atomic.LoadInt64(&errorsServer),
		"warns_connector":  atomic.LoadInt64(&warnsConnector),
		"warns_server":     atomic.LoadInt64(&warnsServer),
		"events_received":  atomic.LoadInt64(&eventsReceived),
		"events_routed":    atomic.LoadInt64(&eventsRouted),
		"events_dropped":   atomic.LoadInt64(&eventsDropped),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"recorder_flushes": atomic.LoadInt64(&recorderFlushes),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsConnector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_connector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsServer"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_server"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsConnector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_connector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsServer"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_server"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsRouted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_routed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecorderFlushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["recorder_flushes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
