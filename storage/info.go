package storage

import (
	"fmt"
	"syscall"
)

// SpaceProbe reports total and available bytes for the volume at path.
type SpaceProbe func(path string) (total, available uint64, err error)

// InfoConfig bounds the local buffer volume.
type InfoConfig struct {
	// Path is the volume the temporary buffer lives on.
	Path string `yaml:"path"`
	// WatermarkPercent refuses new data once usage passes it.
	WatermarkPercent int `yaml:"watermarkPercent" validate:"min=1,max=100"`
	// ReserveSpaceGB is the floor of free space kept for exports.
	ReserveSpaceGB int `yaml:"reserveSpaceGB" validate:"min=1,max=999"`
}

func (c *InfoConfig) defaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.WatermarkPercent <= 0 {
		c.WatermarkPercent = 75
	}
	if c.ReserveSpaceGB <= 0 {
		c.ReserveSpaceGB = 5
	}
}

// Info answers the disk-space questions admission asks. Store admission is
// stricter than export admission: ingesting needs head-room below the
// watermark on top of the reserve, exporting only needs the reserve.
type Info struct {
	cfg    InfoConfig
	statfs SpaceProbe
}

func NewInfo(cfg InfoConfig) *Info {
	cfg.defaults()
	return &Info{cfg: cfg, statfs: statfs}
}

// NewInfoWithProbe substitutes the filesystem probe; used by tests.
func NewInfoWithProbe(cfg InfoConfig, probe SpaceProbe) *Info {
	cfg.defaults()
	return &Info{cfg: cfg, statfs: probe}
}

// HasSpaceToStore reports whether new inbound data may be buffered.
func (i *Info) HasSpaceToStore() bool {
	total, avail, err := i.statfs(i.cfg.Path)
	if err != nil || total == 0 {
		return false
	}
	usedPercent := 100 * (total - avail) / total
	if usedPercent >= uint64(i.cfg.WatermarkPercent) {
		return false
	}
	return avail > uint64(i.cfg.ReserveSpaceGB)*1_000_000_000
}

// HasSpaceToExport reports whether export downloads may be buffered.
func (i *Info) HasSpaceToExport() bool {
	_, avail, err := i.statfs(i.cfg.Path)
	if err != nil {
		return false
	}
	return avail > uint64(i.cfg.ReserveSpaceGB)*1_000_000_000
}

// AvailableBytes is exposed for the health endpoint.
func (i *Info) AvailableBytes() (uint64, error) {
	_, avail, err := i.statfs(i.cfg.Path)
	return avail, err
}

func statfs(path string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("storage: statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
