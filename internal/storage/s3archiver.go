package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "liqflow/config"
	"liqflow/internal/metadata"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

const (
	archiveKeySeparator = "|"
	defaultArchiveFlush = time.Minute
)

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// eventRecord defines the schema for detected events stored in parquet.
type eventRecord struct {
	ID               string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol           string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange         string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime        int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LiquidationType  string  `parquet:"name=liquidation_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Severity         string  `parquet:"name=severity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price            float64 `parquet:"name=price, type=DOUBLE"`
	LiquidatedUSD    float64 `parquet:"name=liquidated_usd, type=DOUBLE"`
	PriceImpact      float64 `parquet:"name=price_impact, type=DOUBLE"`
	VolumeSpikeRatio float64 `parquet:"name=volume_spike_ratio, type=DOUBLE"`
	DepthImpact      float64 `parquet:"name=depth_impact, type=DOUBLE"`
	Confidence       float64 `parquet:"name=confidence, type=DOUBLE"`
	Triggers         string  `parquet:"name=triggers, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveBatch struct {
	Exchange    string
	Symbol      string
	Entries     []models.LiquidationEvent
	Timestamp   time.Time
	RecordCount int
}

// S3Archiver buffers detected events and periodically writes them to S3 as
// snappy-compressed parquet files for offline cascade research.
type S3Archiver struct {
	cfg           *appconfig.Config
	events        <-chan models.LiquidationEvent
	s3Client      *s3.Client
	log           *logger.Log
	bucket        string
	ctx           context.Context
	cancel        context.CancelFunc
	wg            *sync.WaitGroup
	running       bool
	mu            sync.Mutex
	buffer        map[string][]models.LiquidationEvent
	lastFlush     map[string]time.Time
	flushInterval time.Duration
	flushTicker   *time.Ticker
	maxBufferSize int
	meta          *metadata.Generator
}

// NewS3Archiver initializes the archiver using S3 credentials from config and
// prepares buffering structures.
func NewS3Archiver(cfg *appconfig.Config, events <-chan models.LiquidationEvent) (*S3Archiver, error) {
	log := logger.GetLogger()
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}

	bucket := strings.TrimSpace(cfg.Storage.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := &S3Archiver{
		cfg:       cfg,
		events:    events,
		s3Client:  s3Client,
		log:       log,
		bucket:    bucket,
		wg:        &sync.WaitGroup{},
		buffer:    make(map[string][]models.LiquidationEvent),
		lastFlush: make(map[string]time.Time),
	}

	if cfg.Storage.S3.FlushInterval > 0 {
		a.flushInterval = cfg.Storage.S3.FlushInterval
	} else {
		a.flushInterval = defaultArchiveFlush
	}
	if cfg.Storage.S3.MaxBufferSize > 0 {
		a.maxBufferSize = cfg.Storage.S3.MaxBufferSize
	} else {
		a.maxBufferSize = 100
	}

	if dir := strings.TrimSpace(cfg.Storage.MetadataDir); dir != "" {
		a.meta = metadata.NewGenerator(dir, "liquidation_events")
	}

	log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 archiver initialized")

	return a, nil
}

// Start launches the ingestion and flush workers.
func (a *S3Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("s3 archiver already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.buffer = make(map[string][]models.LiquidationEvent)
	a.lastFlush = make(map[string]time.Time)
	tickerInterval := a.flushInterval
	if tickerInterval > time.Second {
		tickerInterval = time.Second
	}
	a.flushTicker = time.NewTicker(tickerInterval)
	a.mu.Unlock()

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"flush_interval": a.flushInterval.String(),
		"max_buffer":     a.maxBufferSize,
	}).Info("starting s3 archiver")

	a.wg.Add(1)
	go a.worker()

	a.wg.Add(1)
	go a.flushWorker()

	return nil
}

// Stop signals the workers to terminate and flushes remaining data.
func (a *S3Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	ticker := a.flushTicker
	a.cancel = nil
	a.flushTicker = nil
	a.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}

	a.wg.Wait()
	a.flushAll("stop")
	a.log.WithComponent("s3_archiver").Info("s3 archiver stopped")
}

func (a *S3Archiver) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.events:
			if !ok {
				return
			}
			a.addEvent(event)
		}
	}
}

func (a *S3Archiver) flushWorker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.flushAll("context_cancelled")
			return
		case <-a.flushTicker.C:
			a.flushTimedOut()
		}
	}
}

func (a *S3Archiver) addEvent(event models.LiquidationEvent) {
	if event.Symbol == "" || event.Exchange == "" {
		return
	}
	key := a.bufferKey(event.Exchange, event.Symbol)
	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], event)
	if _, ok := a.lastFlush[key]; !ok {
		a.lastFlush[key] = time.Now()
	}
	shouldFlush := a.maxBufferSize > 0 && len(a.buffer[key]) >= a.maxBufferSize
	a.mu.Unlock()

	if shouldFlush {
		a.flushKey(key)
	}
}

func (a *S3Archiver) flushTimedOut() {
	now := time.Now()
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffer))
	for key := range a.buffer {
		if len(a.buffer[key]) == 0 {
			continue
		}
		if now.Sub(a.lastFlush[key]) >= a.flushInterval {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.flushKey(key)
	}
}

func (a *S3Archiver) flushAll(reason string) {
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffer))
	for key := range a.buffer {
		if len(a.buffer[key]) > 0 {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing event buffers")

	for _, key := range keys {
		a.flushKey(key)
	}
}

func (a *S3Archiver) flushKey(key string) {
	a.mu.Lock()
	entries := a.buffer[key]
	if len(entries) == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.buffer, key)
	delete(a.lastFlush, key)
	a.mu.Unlock()

	parts := strings.SplitN(key, archiveKeySeparator, 2)
	exchange := parts[0]
	symbol := ""
	if len(parts) > 1 {
		symbol = parts[1]
	}

	var batchTimestamp time.Time
	for _, entry := range entries {
		if entry.Timestamp.After(batchTimestamp) {
			batchTimestamp = entry.Timestamp
		}
	}
	if batchTimestamp.IsZero() {
		batchTimestamp = time.Now().UTC()
	}

	a.writeBatch(archiveBatch{
		Exchange:    exchange,
		Symbol:      symbol,
		Entries:     entries,
		Timestamp:   batchTimestamp,
		RecordCount: len(entries),
	})
}

func (a *S3Archiver) writeBatch(batch archiveBatch) {
	data, size, err := a.createParquet(batch)
	if err != nil {
		a.log.WithComponent("s3_archiver").WithError(err).Error("failed to create parquet for event batch")
		metrics.IncStorageError(batch.Exchange)
		return
	}

	key := a.generateS3Key(batch)
	if err := a.upload(key, data); err != nil {
		a.log.WithComponent("s3_archiver").WithError(err).WithFields(logger.Fields{
			"s3_key": key,
		}).Error("failed to upload event batch")
		metrics.IncStorageError(batch.Exchange)
		return
	}

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": batch.RecordCount,
		"bytes":   size,
	}).Info("event batch uploaded")

	a.recordMetadata(key, size, batch)
}

func (a *S3Archiver) recordMetadata(key string, size int64, batch archiveBatch) {
	if a.meta == nil {
		return
	}
	ts := batch.Timestamp.UTC()
	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.bucket, key),
		FileSize:    size,
		RecordCount: int64(batch.RecordCount),
		Partition: map[string]any{
			"exchange": strings.ToLower(batch.Exchange),
			"symbol":   strings.ToUpper(batch.Symbol),
			"date":     ts.Format("2006-01-02"),
		},
		Timestamp: ts,
	}
	if err := a.meta.AddFile(df); err != nil {
		a.log.WithComponent("s3_archiver").WithError(err).Warn("failed to update table metadata")
	}
}

func (a *S3Archiver) createParquet(batch archiveBatch) ([]byte, int64, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(eventRecord), 1)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range batch.Entries {
		rec := eventRecord{
			ID:               entry.ID,
			Symbol:           strings.ToUpper(entry.Symbol),
			Exchange:         strings.ToLower(entry.Exchange),
			EventTime:        entry.Timestamp.UTC().UnixMilli(),
			LiquidationType:  string(entry.LiquidationType),
			Severity:         string(entry.Severity),
			Price:            entry.TriggerPrice,
			LiquidatedUSD:    entry.LiquidatedUSD,
			PriceImpact:      entry.PriceImpact,
			VolumeSpikeRatio: entry.VolumeSpikeRatio,
			DepthImpact:      entry.MarketDepthImpact,
			Confidence:       entry.ConfidenceScore,
			Triggers:         strings.Join(entry.SuspectedTriggers, ","),
		}
		if err := pw.Write(rec); err != nil {
			return nil, 0, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}

	data := mf.Bytes()
	return data, int64(len(data)), nil
}

func (a *S3Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	return err
}

func (a *S3Archiver) bufferKey(exchange, symbol string) string {
	exch := strings.ToLower(strings.TrimSpace(exchange))
	if exch == "" {
		exch = "unknown"
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	return exch + archiveKeySeparator + sym
}

func (a *S3Archiver) generateS3Key(batch archiveBatch) string {
	timestamp := batch.Timestamp.UTC()

	var parts []string
	if prefix := strings.Trim(a.cfg.Storage.S3.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("exchange=%s", strings.ToLower(batch.Exchange)),
		fmt.Sprintf("symbol=%s", strings.ToUpper(batch.Symbol)),
		fmt.Sprintf("date=%04d-%02d-%02d", timestamp.Year(), timestamp.Month(), timestamp.Day()),
	)

	ts := timestamp.Format("20060102150405")
	filename := fmt.Sprintf("%s_events_%s_%s.parquet", strings.ToLower(batch.Exchange), strings.ToUpper(batch.Symbol), ts)
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
