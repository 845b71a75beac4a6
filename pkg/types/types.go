// ============================================================================
// Bottomless Replicator - Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models shared across the replicator's packages
//
// Core Types:
//   - FrameHeader: fixed-size WAL frame header (24 bytes on the wire)
//   - BatchName / Compression: batch object naming and encoding
//   - Config: everything the replicator reads from //
// ============================================================================

package types

import "time"

// FrameHeaderSize is the on-disk size of one WAL frame header.
const FrameHeaderSize = 24

// WalHeaderSize is the size of the 32-byte SQLite-WAL-style file header.
const WalHeaderSize = 32

// MetaObjectSize is the size of a generation's ".meta" object:
// u32 page size || u64 initial WAL checksum.
const MetaObjectSize = 12

// ChangeCounterSize is the size of the ".changecounter" object.
const ChangeCounterSize = 4

// DepObjectSize is the size of the ".dep" object (a raw parent UUID).
const DepObjectSize = 16

// TombstoneObjectSize is the size of the "{db}.tombstone" object.
const TombstoneObjectSize = 8

// MaxRestoreStackDepth bounds how many generations the restore planner
// will walk looking for a snapshot before giving up.
const MaxRestoreStackDepth = 100

// Compression identifies how a batch object's body is encoded.
type Compression string

const (
	CompressionRaw  Compression = "raw"
	CompressionGzip Compression = "gz"
)

// FrameHeader is the fixed 24-byte header preceding every WAL page.
type FrameHeader struct {
	PageNo    uint32 // 1-based page number
	SizeAfter uint32 // nonzero marks a commit boundary
	Checksum1 uint32
	Checksum2 uint32
}

// IsCommit reports whether this frame ends a transaction.
func (h FrameHeader) IsCommit() bool { return h.SizeAfter > 0 }

// BatchName is the parsed form of a batch object's filename:
// "{first}-{last}-{epoch-ms}.{compression}".
type BatchName struct {
	First       uint32
	Last        uint32
	EpochMillis int64
	Compression Compression
}

// ActionKind is the outcome of a restore operation.
type ActionKind string

const (
	ActionReuseGeneration ActionKind = "reuse_generation"
	ActionSnapshotMainDb  ActionKind = "snapshot_main_db_file"
)

// RestoreResult is the return value of Restore.
type RestoreResult struct {
	Action    ActionKind
	Recovered bool
	// Generation is only meaningful when Action == ActionReuseGeneration.
	Generation string
	// NextFrameNo is only meaningful when Action == ActionReuseGeneration:
	// the controller should resume frame numbering from here.
	NextFrameNo uint32
}

// Config holds every option recognized by the replicator, plus the
// ambient concerns of running it as a long-lived process (logging,
// metrics, staging).
type Config struct {
	BucketName string `yaml:"bucket_name"`
	DbID       string `yaml:"db_id"`

	UseCompression Compression `yaml:"use_compression"`
	// VerifyCRC is a pointer so WithDefaults can tell "unset" (default
	// true) apart from an explicit "verify_crc: false" in config.
	VerifyCRC *bool `yaml:"verify_crc"`

	MaxFramesPerBatch int           `yaml:"max_frames_per_batch"`
	MaxBatchInterval  time.Duration `yaml:"max_batch_interval"`

	S3UploadMaxParallelism int `yaml:"s3_upload_max_parallelism"`

	RestoreTransactionPageSwapAfter int    `yaml:"restore_transaction_page_swap_after"`
	RestoreTransactionCacheFpath    string `yaml:"restore_transaction_cache_fpath"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// CreateBucketIfNotExists is a pointer for the same reason as
	// VerifyCRC: default true, but an explicit "false" must stick.
	CreateBucketIfNotExists *bool `yaml:"create_bucket_if_not_exists"`

	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Ambient additions: process-level concerns, not backup semantics.
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	StagingDir  string `yaml:"staging_dir"`
}

// WithDefaults returns a copy of c with every unset option defaulted.
func (c Config) WithDefaults() Config {
	if c.BucketName == "" {
		c.BucketName = "bottomless"
	}
	if c.UseCompression == "" {
		c.UseCompression = CompressionGzip
	}
	if c.VerifyCRC == nil {
		t := true
		c.VerifyCRC = &t
	}
	if c.CreateBucketIfNotExists == nil {
		t := true
		c.CreateBucketIfNotExists = &t
	}
	if c.MaxFramesPerBatch <= 0 {
		c.MaxFramesPerBatch = 500
	}
	if c.MaxBatchInterval <= 0 {
		c.MaxBatchInterval = 15 * time.Second
	}
	if c.S3UploadMaxParallelism <= 0 {
		c.S3UploadMaxParallelism = 32
	}
	if c.RestoreTransactionPageSwapAfter <= 0 {
		c.RestoreTransactionPageSwapAfter = 1000
	}
	if c.RestoreTransactionCacheFpath == "" {
		c.RestoreTransactionCacheFpath = ".bottomless.restore"
	}
	if c.StagingDir == "" {
		c.StagingDir = ".bottomless/staging"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// VerifyChecksums reports whether batch replay should verify the rolling
// WAL checksum (default true; nil only occurs for a Config built without
// going through WithDefaults).
func (c Config) VerifyChecksums() bool {
	return c.VerifyCRC == nil || *c.VerifyCRC
}

// ShouldCreateBucket reports whether the store client should create the
// target bucket when it is missing (default true).
func (c Config) ShouldCreateBucket() bool {
	return c.CreateBucketIfNotExists == nil || *c.CreateBucketIfNotExists
}
