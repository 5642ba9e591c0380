package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "barflow/config"
	"barflow/logger"
	"barflow/models"
)

// ParquetRecord is the parquet schema for a normalized bar.
type ParquetRecord struct {
	Ticker       string  `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Close        float64 `parquet:"name=close, type=DOUBLE"`
	Volume       int64   `parquet:"name=volume, type=INT64"`
	VWAP         float64 `parquet:"name=vwap, type=DOUBLE"`
	Transactions int64   `parquet:"name=transactions, type=INT64"`
}

// memoryFileWriter implements source.ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage never needs to seek backwards.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ParquetSink converts each batch to a parquet file in memory and uploads
// it to S3 under a hive-style partitioned key.
type ParquetSink struct {
	config   *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewParquetSink creates the sink and validates AWS credentials up front so
// a misconfigured deployment fails at startup rather than mid-cycle.
func NewParquetSink(cfg *appconfig.Config) (*ParquetSink, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	sc := cfg.Sink.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(sc.Region)}
	if sc.AccessKeyID != "" && sc.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
		o.UsePathStyle = sc.PathStyle
	})

	log.WithComponent("parquet_sink").WithFields(logger.Fields{
		"bucket":     sc.Bucket,
		"region":     sc.Region,
		"endpoint":   sc.Endpoint,
		"path_style": sc.PathStyle,
	}).Info("parquet sink initialized")

	return &ParquetSink{
		config:   cfg,
		s3Client: s3Client,
		log:      log,
	}, nil
}

func (s *ParquetSink) Name() string {
	return "parquet_s3"
}

func (s *ParquetSink) Accept(ctx context.Context, batch models.BarBatch) error {
	log := s.log.WithComponent("parquet_sink").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
	})

	if batch.RecordCount == 0 {
		log.Debug("batch has no records, skipping")
		return nil
	}

	key := s.objectKey(batch)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := s.createParquetFile(batch.Bars)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	if err := s.upload(ctx, key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": s.config.Sink.S3.Bucket}).
			Error("failed to upload to S3")
		return err
	}

	logger.IncrementSinkWrite(s.Name(), len(data))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("batch uploaded")
	return nil
}

// objectKey builds a hive-style partitioned key that is deterministic per
// ticker and fetch window, so re-fetching a window replaces the object.
func (s *ParquetSink) objectKey(batch models.BarBatch) string {
	from := batch.Window.From.UTC()
	key := filepath.Join(
		fmt.Sprintf("ticker=%s", batch.Ticker),
		fmt.Sprintf("year=%04d", from.Year()),
		fmt.Sprintf("month=%02d", from.Month()),
		fmt.Sprintf("day=%02d", from.Day()),
		fmt.Sprintf("%s_bars_%s_%s.parquet",
			batch.Ticker,
			from.Format("20060102"),
			batch.Window.To.UTC().Format("20060102"),
		),
	)
	return filepath.ToSlash(key)
}

func (s *ParquetSink) createParquetFile(bars []models.Bar) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch s.config.Sink.S3.Parquet.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, bar := range bars {
		record := ParquetRecord{
			Ticker:       bar.Ticker,
			Timestamp:    bar.TimestampMs,
			Open:         bar.Open,
			High:         bar.High,
			Low:          bar.Low,
			Close:        bar.Close,
			Volume:       bar.Volume,
			VWAP:         bar.VWAP,
			Transactions: bar.Transactions,
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

func (s *ParquetSink) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Sink.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     s.config.Sink.S3.Parquet.Compression,
			"barflow-version": s.config.Barflow.Version,
		},
	}

	// Let an in-flight upload finish even when shutdown starts.
	_, err := s.s3Client.PutObject(context.WithoutCancel(ctx), input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.config.Sink.S3.Bucket, err)
	}
	return nil
}
