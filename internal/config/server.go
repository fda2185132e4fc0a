package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"buildorch/internal/localcas"
)

// ServerConfig configures the remote cache server.
type ServerConfig struct {
	Addr         string
	Storage      string // disk or s3
	Root         string
	Quota        string
	AllowUpdates bool
	// PostgresDSN stores references in Postgres instead of the storage
	// backend. Required with s3 storage.
	PostgresDSN string
	S3          S3Config
	// MonitorPath serves the event feed; empty disables it.
	MonitorPath string
}

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// LoadServer reads flags from args and fills the rest from the
// environment, after loading .env from the working directory.
func LoadServer(args []string) (*ServerConfig, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("casd", flag.ContinueOnError)
	addr := fs.String("addr", ":11001", "listen address")
	storage := fs.String("storage", "", "blob storage backend: disk or s3")
	root := fs.String("root", "", "directory of the disk storage")
	allow := fs.Bool("enable-push", false, "accept uploads and reference updates")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if envPort := strings.TrimSpace(os.Getenv("PORT")); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*addr = envPort
		} else {
			*addr = ":" + envPort
		}
	}

	cfg := &ServerConfig{
		Addr:         *addr,
		Storage:      strings.ToLower(firstNonEmpty(*storage, strings.TrimSpace(os.Getenv("CASD_STORAGE")), "disk")),
		Root:         firstNonEmpty(*root, strings.TrimSpace(os.Getenv("CASD_ROOT")), filepath.Join(defaultCacheDir(), "casd")),
		Quota:        firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_QUOTA")), "infinity"),
		AllowUpdates: *allow || envBool("CASD_ENABLE_PUSH", false),
		PostgresDSN:  firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_POSTGRES_DSN")), strings.TrimSpace(os.Getenv("DATABASE_URL"))),
		MonitorPath:  firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_MONITOR_PATH")), "/events"),
		S3: S3Config{
			Endpoint:  strings.TrimSpace(os.Getenv("CASD_S3_ENDPOINT")),
			Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_S3_REGION")), "us-east-1"),
			AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
			SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
			Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("CASD_S3_BUCKET")), "buildorch-cas"),
			Prefix:    strings.TrimSpace(os.Getenv("CASD_S3_PREFIX")),
			UseSSL:    envBool("CASD_S3_USE_SSL", true),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	switch c.Storage {
	case "disk":
		if strings.TrimSpace(c.Root) == "" {
			return fmt.Errorf("config: disk storage needs a root directory")
		}
	case "s3":
		if c.S3.Endpoint == "" {
			return fmt.Errorf("config: s3 storage needs CASD_S3_ENDPOINT")
		}
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: s3 storage needs CASD_POSTGRES_DSN for references")
		}
	default:
		return fmt.Errorf("config: unknown storage %q (want disk or s3)", c.Storage)
	}
	if _, err := localcas.ParseSize(c.Quota); err != nil {
		return fmt.Errorf("config: quota: %w", err)
	}
	return nil
}

// StoreConfig is the local store backing disk storage. The server may
// evict any unreferenced blob, including ones uploaded since start.
func (c *ServerConfig) StoreConfig() localcas.Config {
	quota, _ := localcas.ParseSize(c.Quota)
	return localcas.Config{
		Root:              c.Root,
		Quota:             quota,
		EvictSessionBlobs: true,
	}
}
