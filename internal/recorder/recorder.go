package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "deriflow/config"
	"deriflow/logger"
	"deriflow/models"
)

// eventRecord is the parquet row layout for recorded market events.
type eventRecord struct {
	Channel   string `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// Recorder buffers market events per symbol and flushes them as parquet
// batches, either to local files or to S3.
type Recorder struct {
	cfg      appconfig.RecorderConfig
	s3cfg    appconfig.S3Config
	s3Client *s3.Client
	log      *logger.Log
	wg       sync.WaitGroup
	ctx      context.Context
	done     chan struct{}

	mu          sync.Mutex
	running     bool
	buffer      map[string][]models.MarketEvent
	flushTicker *time.Ticker
}

// NewRecorder constructs a recorder when recording is enabled. When the
// recorder is disabled the returned recorder will be nil.
func NewRecorder(cfg appconfig.RecorderConfig, s3cfg appconfig.S3Config) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	log := logger.GetLogger()
	r := &Recorder{
		cfg:    cfg,
		s3cfg:  s3cfg,
		log:    log,
		buffer: make(map[string][]models.MarketEvent),
	}

	if s3cfg.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(s3cfg.Region),
		}
		if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		r.s3Client = s3.NewFromConfig(awsCfg)
		log.WithComponent("recorder").WithFields(logger.Fields{
			"bucket": s3cfg.Bucket,
			"region": s3cfg.Region,
		}).Info("recorder writes to S3")
	} else {
		log.WithComponent("recorder").WithFields(logger.Fields{
			"directory": cfg.Directory,
		}).Info("recorder writes to local files")
	}

	return r, nil
}

// Record buffers one event for the next flush.
func (r *Recorder) Record(ev models.MarketEvent) {
	if r == nil || ev.Symbol == "" {
		return
	}
	r.mu.Lock()
	r.buffer[ev.Symbol] = append(r.buffer[ev.Symbol], ev)
	r.mu.Unlock()
}

// Start launches the flush worker.
func (r *Recorder) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.done = make(chan struct{})
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.flushWorker()

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flush_interval": r.cfg.FlushInterval.String(),
	}).Info("recorder started")
	return nil
}

// Stop ends the flush worker and waits for it to drain. It does not depend
// on the start context being cancelled first.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.flushTicker.Stop()
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-r.ctx.Done():
			r.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-r.done:
			r.flushBuffers("shutdown")
			log.Info("flush worker stopped")
			return
		case <-r.flushTicker.C:
			r.flushBuffers("interval")
		}
	}
}

func (r *Recorder) flushBuffers(reason string) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.MarketEvent)
	r.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for symbol, events := range buffers {
		if len(events) == 0 {
			continue
		}
		r.flushBatch(symbol, events)
	}
}

func (r *Recorder) flushBatch(symbol string, events []models.MarketEvent) {
	batchID := uuid.New().String()
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_id":     batchID,
		"symbol":       symbol,
		"record_count": len(events),
	})

	data, err := createParquetFile(events)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := r.objectKey(symbol, batchID, events[0].Timestamp)
	if r.s3Client != nil {
		if err := r.uploadToS3(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload batch")
			return
		}
	} else {
		if err := r.writeLocal(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to write batch")
			return
		}
	}

	logger.IncrementRecorderFlush(int64(len(events)))
	log.WithFields(logger.Fields{"key": key, "bytes": len(data)}).Info("batch flushed")
}

func (r *Recorder) objectKey(symbol, batchID string, ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	key := fmt.Sprintf("%s/date=%s/%s-%s.parquet",
		symbol, ts.UTC().Format("2006-01-02"), ts.UTC().Format("150405"), batchID)
	if r.s3cfg.Prefix != "" {
		key = r.s3cfg.Prefix + "/" + key
	}
	return key
}

func (r *Recorder) uploadToS3(key string, data []byte) error {
	ctx := context.WithoutCancel(r.ctx)
	_, err := r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.s3cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", r.s3cfg.Bucket, err)
	}
	return nil
}

func (r *Recorder) writeLocal(key string, data []byte) error {
	path := filepath.Join(r.cfg.Directory, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create batch directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func createParquetFile(events []models.MarketEvent) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(eventRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, ev := range events {
		record := eventRecord{
			Channel:   ev.Channel,
			Symbol:    ev.Symbol,
			Timestamp: ev.Timestamp.UnixMilli(),
			Payload:   string(ev.Data),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
