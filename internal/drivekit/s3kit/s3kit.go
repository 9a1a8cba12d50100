// Package s3kit implements the drive kit on top of Amazon S3 (or any S3
// compatible endpoint). Assets are stored under
// <bundle>/<record type>/<cloud id>/<field>; reads are ranged GETs and
// uploads go through the CargoShip transporter when it is enabled.
package s3kit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/clouddiskfs/clouddiskfs/internal/circuit"
	"github.com/clouddiskfs/clouddiskfs/internal/drivekit"
)

// API is the subset of the S3 client used by the kit.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the S3 kit.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int
	UseCargoShip   bool
	StorageClass   string
	Concurrency    int
	Breaker        circuit.Config
	Logger         *slog.Logger
}

// Kit is an S3-backed drivekit.Kit.
type Kit struct {
	api         API
	transporter *cargoships3.Transporter
	bucket      string
	class       string
	breakers    *circuit.Manager
	logger      *slog.Logger

	mu         sync.Mutex
	containers map[string]*container
}

// New loads the default AWS configuration, builds the client and checks
// that the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Kit, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	kit := NewWithClient(client, cfg)

	if cfg.UseCargoShip {
		kit.transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       cargoStorageClass(cfg.StorageClass),
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.Concurrency,
		})
		kit.logger.Info("CargoShip upload optimization enabled", "concurrency", cfg.Concurrency)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("S3 bucket check failed: %w", classify(err, "head bucket"))
	}

	return kit, nil
}

// NewWithClient builds a kit around an existing client without touching the network.
func NewWithClient(api API, cfg Config) *Kit {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3kit", "bucket", cfg.Bucket)

	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = countsAgainstBreaker
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("cloud circuit breaker state changed", "bundle", name, "from", from, "to", to)
	}

	return &Kit{
		api:        api,
		bucket:     cfg.Bucket,
		class:      cfg.StorageClass,
		breakers:   circuit.NewManager(breakerCfg),
		logger:     logger,
		containers: make(map[string]*container),
	}
}

// OpenBreakers lists bundles whose cloud access is currently suspended.
func (k *Kit) OpenBreakers() []string {
	return k.breakers.OpenBreakers()
}

// GetDefaultContainer implements drivekit.Kit.
func (k *Kit) GetDefaultContainer(bundle string) (drivekit.Container, error) {
	if bundle == "" || strings.Contains(bundle, "/") {
		return nil, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "invalid bundle name "+bundle, nil)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.containers[bundle]
	if !ok {
		c = &container{db: &database{kit: k, bundle: bundle, breaker: k.breakers.GetBreaker(bundle)}}
		k.containers[bundle] = c
	}
	return c, nil
}

type container struct {
	db *database
}

func (c *container) GetPrivateDatabase() (drivekit.Database, error) {
	return c.db, nil
}

type database struct {
	kit     *Kit
	bundle  string
	breaker *circuit.CircuitBreaker
}

func (d *database) key(recordType, cloudID, field string) string {
	return strings.Join([]string{d.bundle, recordType, cloudID, field}, "/")
}

func (d *database) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := d.breaker.ExecuteWithContext(ctx, fn)
	if err != nil {
		return classify(err, op)
	}
	return nil
}

// NewAssetReadSession implements drivekit.Database.
func (d *database) NewAssetReadSession(recordType, cloudID, field, localPath string) drivekit.ReadSession {
	return &readSession{db: d, key: d.key(recordType, cloudID, field)}
}

// GenerateIds implements drivekit.Database. Ids are random UUIDs, so no
// round trip is needed.
func (d *database) GenerateIds(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "id count must be positive", nil)
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return ids, nil
}

// UploadAsset implements drivekit.Database.
func (d *database) UploadAsset(ctx context.Context, recordType, cloudID, field, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return drivekit.LocalError(drivekit.LocalCodeIO, "open local asset", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return drivekit.LocalError(drivekit.LocalCodeIO, "stat local asset", err)
	}
	key := d.key(recordType, cloudID, field)

	if d.kit.transporter != nil {
		result, uploadErr := d.kit.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       f,
			Size:         fi.Size(),
			StorageClass: cargoStorageClass(d.kit.class),
			Metadata: map[string]string{
				"clouddisk-bundle": d.bundle,
				"clouddisk-id":     cloudID,
			},
		})
		if uploadErr == nil {
			d.kit.logger.Debug("CargoShip upload completed",
				"key", key, "size", fi.Size(), "throughput", result.Throughput, "duration", result.Duration)
			return nil
		}
		d.kit.logger.Warn("CargoShip upload failed, falling back to PutObject", "key", key, "error", uploadErr)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return drivekit.LocalError(drivekit.LocalCodeIO, "rewind local asset", err)
		}
	}

	return d.call(ctx, "put asset", func(ctx context.Context) error {
		_, err := d.kit.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.kit.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(fi.Size()),
			StorageClass:  s3types.StorageClass(storageClassOrDefault(d.kit.class)),
		})
		return err
	})
}

type readSession struct {
	db  *database
	key string

	mu     sync.Mutex
	size   int64
	inited bool
	closed bool
}

func (s *readSession) InitSession(ctx context.Context) error {
	var size int64
	err := s.db.call(ctx, "head asset", func(ctx context.Context) error {
		out, err := s.db.kit.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.db.kit.bucket),
			Key:    aws.String(s.key),
		})
		if err != nil {
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	s.inited = true
	return nil
}

func (s *readSession) PRead(ctx context.Context, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	size, ready := s.size, s.inited && !s.closed
	s.mu.Unlock()

	if !ready {
		return 0, drivekit.LocalError(drivekit.LocalCodeSessionNotInitialized, "session not open", nil)
	}
	if offset < 0 {
		return 0, drivekit.LocalError(drivekit.LocalCodeInvalidArgument, "negative offset", nil)
	}
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}

	want := int64(len(buf))
	if offset+want > size {
		want = size - offset
	}

	var n int
	err := s.db.call(ctx, "get asset range", func(ctx context.Context) error {
		out, err := s.db.kit.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.db.kit.bucket),
			Key:    aws.String(s.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+want-1)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		n, err = io.ReadFull(out.Body, buf[:want])
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return drivekit.LocalError(drivekit.LocalCodeDownloadRequest, "read asset body", err)
		}
		return nil
	})
	return n, err
}

func (s *readSession) Close(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// classify maps an S3 client failure to a drive error domain.
func classify(err error, op string) error {
	if _, ok := drivekit.AsError(err); ok {
		return err
	}
	switch {
	case circuit.IsRejection(err):
		return drivekit.NetworkError(op+": cloud access suspended", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return drivekit.NetworkError(op, err)
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return drivekit.ServerError(http.StatusNotFound, op, err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return drivekit.ServerError(http.StatusNotFound, op+": no such bucket", err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return drivekit.ServerError(respErr.HTTPStatusCode(), op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return drivekit.ServerError(http.StatusInternalServerError, op+": "+apiErr.ErrorCode(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return drivekit.NetworkError(op, err)
	}
	return drivekit.NetworkError(op, err)
}

// countsAgainstBreaker trips only on outages: transport failures and 5xx.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	de, ok := drivekit.AsError(classify(err, ""))
	if !ok {
		return true
	}
	switch de.Domain {
	case drivekit.DomainNetwork:
		return true
	case drivekit.DomainServer:
		return de.ServerCode >= 500
	default:
		return false
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func storageClassOrDefault(class string) string {
	if class == "" {
		return string(s3types.StorageClassStandard)
	}
	return class
}

func cargoStorageClass(class string) awsconfig.StorageClass {
	switch s3types.StorageClass(class) {
	case s3types.StorageClassIntelligentTiering:
		return awsconfig.StorageClassIntelligentTiering
	case s3types.StorageClassStandardIa:
		return awsconfig.StorageClassStandardIA
	case s3types.StorageClassOnezoneIa:
		return awsconfig.StorageClassOneZoneIA
	default:
		return awsconfig.StorageClassStandard
	}
}
