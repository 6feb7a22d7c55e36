package wcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// importRaster runs raster2pgsql piped into psql. The raster is tiled
// 100x100 with constraints, a GiST index and a filename column, replacing
// any previous table. psql reports SQL failures on stderr with exit code 0,
// so stderr is scanned for ERROR as well.
func (l *Loader) importRaster(ctx context.Context, tiffPath string, srid int) error {
	tableName := "public." + l.target.TableName

	raster := exec.CommandContext(ctx, "raster2pgsql",
		"-s", strconv.Itoa(srid),
		"-c", "-C", "-I", "-F", "-M",
		"-t", "100x100",
		tiffPath, tableName,
	)
	psql := exec.CommandContext(ctx, "psql", l.deps.Config.Database.KeywordConnectionString())

	pipe, err := raster.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create raster2pgsql pipe: %w", err)
	}
	psql.Stdin = pipe

	var rasterErr, psqlErr bytes.Buffer
	raster.Stderr = &rasterErr
	psql.Stderr = &psqlErr

	if err := raster.Start(); err != nil {
		return fmt.Errorf("failed to start raster2pgsql: %w", err)
	}
	if err := psql.Start(); err != nil {
		raster.Process.Kill()
		raster.Wait()
		return fmt.Errorf("failed to start psql: %w", err)
	}

	rasterWait := raster.Wait()
	psqlWait := psql.Wait()

	if rasterWait != nil {
		return fmt.Errorf("raster2pgsql failed: %w: %s", rasterWait, strings.TrimSpace(rasterErr.String()))
	}
	if psqlWait != nil {
		return fmt.Errorf("psql failed: %w: %s", psqlWait, strings.TrimSpace(psqlErr.String()))
	}
	if msg := psqlErr.String(); strings.Contains(msg, "ERROR") {
		return fmt.Errorf("raster import reported: %s", strings.TrimSpace(msg))
	}

	log.Debug().Str("table", tableName).Int("srid", srid).Msg("Raster import complete")
	return nil
}
