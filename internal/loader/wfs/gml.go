package wfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// importGML round-trips a GML page through ogr2ogr, which handles the schema
// mapping and geometry decoding that the GeoJSON path gets from go-geom. The
// page lands in a scoped temp file that is removed on every exit path.
func (l *Loader) importGML(ctx context.Context, body []byte, replace bool) error {
	l.gmlMu.Lock()
	defer l.gmlMu.Unlock()

	tmp, err := os.CreateTemp(l.deps.Config.Loader.TmpDir, "geomediator-wfs-*.gml")
	if err != nil {
		return fmt.Errorf("failed to create temp file for GML page: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil {
			log.Warn().Err(err).Str("file", tmpName).Msg("Failed to remove GML temp file")
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write GML page: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close GML temp file: %w", err)
	}

	mode := "-append"
	if replace {
		mode = "-overwrite"
	}
	args := []string{
		"-f", "PostgreSQL",
		"PG:" + l.deps.Config.Database.KeywordConnectionString(),
		tmpName,
		"-nln", "public." + l.target.TableName,
		mode,
	}

	cmd := exec.CommandContext(ctx, "ogr2ogr", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ogr2ogr failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if msg := stderr.String(); strings.Contains(msg, "ERROR") {
		return fmt.Errorf("ogr2ogr reported: %s", strings.TrimSpace(msg))
	}
	return nil
}
