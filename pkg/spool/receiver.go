// Package spool writes submissions received from Kafka into the spool
// directory watched by the ingester.
package spool

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kernelci/kcidb-ingester/pkg/common/kafka"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var gzipMagic = []byte{0x1f, 0x8b}

type Receiver struct {
	fs  afero.Fs
	dir string
}

func NewReceiver(dir string) *Receiver {
	return &Receiver{fs: afero.NewOsFs(), dir: dir}
}

func (r *Receiver) SetFS(fs afero.Fs) {
	r.fs = fs
}

// Handle stores one message as a spool file. The file appears under its
// final name only once fully written.
func (r *Receiver) Handle(ctx context.Context, msg kafka.Message) error {
	if len(msg.Value) == 0 {
		logger.Log.WithField("offset", msg.Offset).Warn("skipping empty submission message")
		return nil
	}
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	name := uuid.NewString() + ".json"
	if bytes.HasPrefix(msg.Value, gzipMagic) {
		name += ".gz"
	}
	final := filepath.Join(r.dir, name)
	tmp := filepath.Join(r.dir, "."+name+".tmp")

	if err := afero.WriteFile(r.fs, tmp, msg.Value, 0o644); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := r.fs.Rename(tmp, final); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	logger.Log.WithFields(logrus.Fields{
		"file":      name,
		"bytes":     len(msg.Value),
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}).Debug("spooled submission")
	return nil
}
