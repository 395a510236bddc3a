package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/persistence/kv"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openKV picks the storage behind the persisted job set. With -disable_db the
// engine still persists, but only for the life of the process.
func openKV(dataDir, worldID string, maxValueBytes int, disableDB bool, logger *log.Logger) (kv.Store, io.Closer, error) {
	if disableDB {
		logger.Printf("kv: sqlite disabled, persisting in memory only")
		return kv.NewMemory(maxValueBytes), nopCloser{}, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("LOGISTICS_KV_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory", "none", "off":
		return kv.NewMemory(maxValueBytes), nopCloser{}, nil
	case "sqlite":
		path := filepath.Join(dataDir, "kv", "logistics.sqlite")
		s, err := kv.OpenSQLite(path, worldID, maxValueBytes)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("kv: sqlite %s scope=%s", path, worldID)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported LOGISTICS_KV_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
