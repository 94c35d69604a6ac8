package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/imgw/dcm"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// groupingWhitelist restricts the grouping tag to the study or series UID.
var groupingWhitelist = map[string]bool{
	"0020,000D": true,
	"0020,000E": true,
}

// DefaultGrouping is the Study Instance UID tag.
const DefaultGrouping = "0020,000D"

// AERepository persists the four application entity flavors.
type AERepository struct {
	db *sql.DB
}

func NewAERepository(db *sql.DB) *AERepository {
	return &AERepository{db: db}
}

// applyDefaults fills a Monai AE the way the admin plane always has: an
// empty name is copied from the AE title (name collisions are then on the
// caller), grouping falls back to the study UID, timeout to 5 seconds.
func (m *MonaiAE) applyDefaults() {
	if strings.TrimSpace(m.Name) == "" {
		m.Name = m.AETitle
	}
	if m.Grouping == "" {
		m.Grouping = DefaultGrouping
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = 5
	}
}

// Validate enforces the AE invariants prior to persisting.
func (m *MonaiAE) Validate() error {
	if !dcm.ValidAETitle(m.AETitle) {
		return fmt.Errorf("store: invalid AE title %q", m.AETitle)
	}
	if _, err := dcm.ParseTag(m.Grouping); err != nil {
		return err
	}
	if !groupingWhitelist[strings.ToUpper(m.Grouping)] {
		return fmt.Errorf("store: grouping %q not allowed: must be study or series UID", m.Grouping)
	}
	if len(m.AllowedSOPs) > 0 && len(m.IgnoredSOPs) > 0 {
		return errors.New("store: allowed and ignored SOP classes are mutually exclusive")
	}
	return nil
}

// AddMonaiAE validates, applies defaults, and inserts. Fails on duplicate
// name.
func (r *AERepository) AddMonaiAE(ctx context.Context, ae *MonaiAE) error {
	ae.applyDefaults()
	if err := ae.Validate(); err != nil {
		return err
	}
	ae.CreatedAt = time.Now()
	_, err := exec(ctx, r.db, `
		INSERT INTO monai_aes (name, ae_title, grouping_tag, timeout_seconds,
			workflows, allowed_sop_classes, ignored_sop_classes, plug_ins,
			created_by, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ae.Name, ae.AETitle, strings.ToUpper(ae.Grouping), ae.TimeoutSeconds,
		marshalList(ae.Workflows), marshalList(ae.AllowedSOPs),
		marshalList(ae.IgnoredSOPs), marshalList(ae.PlugIns),
		ae.CreatedBy, ms(ae.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add monai ae: %w", err)
	}
	return nil
}

// UpdateMonaiAE rewrites the mutable fields. Matching the long-standing
// admin-plane behavior, only updated_by and updated_at change on update;
// created_by stays as it was.
func (r *AERepository) UpdateMonaiAE(ctx context.Context, ae *MonaiAE) error {
	if err := ae.Validate(); err != nil {
		return err
	}
	ae.UpdatedAt = time.Now()
	res, err := exec(ctx, r.db, `
		UPDATE monai_aes SET ae_title=?, grouping_tag=?, timeout_seconds=?,
			workflows=?, allowed_sop_classes=?, ignored_sop_classes=?,
			plug_ins=?, updated_by=?, updated_at=?
		WHERE name=?`,
		ae.AETitle, strings.ToUpper(ae.Grouping), ae.TimeoutSeconds,
		marshalList(ae.Workflows), marshalList(ae.AllowedSOPs),
		marshalList(ae.IgnoredSOPs), marshalList(ae.PlugIns),
		ae.UpdatedBy, ms(ae.UpdatedAt), ae.Name)
	if err != nil {
		return fmt.Errorf("store: update monai ae: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMonaiAE looks up by unique name.
func (r *AERepository) GetMonaiAE(ctx context.Context, name string) (*MonaiAE, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, ae_title, grouping_tag, timeout_seconds, workflows,
			allowed_sop_classes, ignored_sop_classes, plug_ins,
			created_by, updated_by, created_at, updated_at
		FROM monai_aes WHERE name=?`, name)
	return scanMonaiAE(row)
}

// FindMonaiAEByTitle looks up the SCP target a peer addressed.
func (r *AERepository) FindMonaiAEByTitle(ctx context.Context, aeTitle string) (*MonaiAE, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, ae_title, grouping_tag, timeout_seconds, workflows,
			allowed_sop_classes, ignored_sop_classes, plug_ins,
			created_by, updated_by, created_at, updated_at
		FROM monai_aes WHERE ae_title=? LIMIT 1`, aeTitle)
	return scanMonaiAE(row)
}

// ListMonaiAEs returns all local SCP targets.
func (r *AERepository) ListMonaiAEs(ctx context.Context) ([]*MonaiAE, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, ae_title, grouping_tag, timeout_seconds, workflows,
			allowed_sop_classes, ignored_sop_classes, plug_ins,
			created_by, updated_by, created_at, updated_at
		FROM monai_aes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MonaiAE
	for rows.Next() {
		ae, err := scanMonaiAE(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

// DeleteMonaiAE removes by name.
func (r *AERepository) DeleteMonaiAE(ctx context.Context, name string) error {
	res, err := exec(ctx, r.db, `DELETE FROM monai_aes WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonaiAE(row rowScanner) (*MonaiAE, error) {
	var ae MonaiAE
	var workflows, allowed, ignored, plugins string
	var created, updated int64
	err := row.Scan(&ae.Name, &ae.AETitle, &ae.Grouping, &ae.TimeoutSeconds,
		&workflows, &allowed, &ignored, &plugins,
		&ae.CreatedBy, &ae.UpdatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ae.Workflows = unmarshalList(workflows)
	ae.AllowedSOPs = unmarshalList(allowed)
	ae.IgnoredSOPs = unmarshalList(ignored)
	ae.PlugIns = unmarshalList(plugins)
	ae.CreatedAt = fromMS(created)
	ae.UpdatedAt = fromMS(updated)
	return &ae, nil
}

// AddSourceAE inserts a trusted peer.
func (r *AERepository) AddSourceAE(ctx context.Context, ae *SourceAE) error {
	if !dcm.ValidAETitle(ae.AETitle) {
		return fmt.Errorf("store: invalid AE title %q", ae.AETitle)
	}
	if strings.TrimSpace(ae.Name) == "" {
		ae.Name = ae.AETitle
	}
	if strings.TrimSpace(ae.HostIP) == "" {
		return errors.New("store: source AE requires host IP")
	}
	ae.CreatedAt = time.Now()
	_, err := exec(ctx, r.db, `
		INSERT INTO source_aes (name, ae_title, host_ip, created_by, created_at)
		VALUES (?,?,?,?,?)`,
		ae.Name, ae.AETitle, ae.HostIP, ae.CreatedBy, ms(ae.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add source ae: %w", err)
	}
	return nil
}

// FindSourceAE matches a calling peer by AE title and host IP, the pair the
// admission policy checks.
func (r *AERepository) FindSourceAE(ctx context.Context, aeTitle, hostIP string) (*SourceAE, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, ae_title, host_ip, created_by, updated_by, created_at, updated_at
		FROM source_aes WHERE ae_title=? AND host_ip=? LIMIT 1`, aeTitle, hostIP)
	var ae SourceAE
	var created, updated int64
	err := row.Scan(&ae.Name, &ae.AETitle, &ae.HostIP,
		&ae.CreatedBy, &ae.UpdatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ae.CreatedAt = fromMS(created)
	ae.UpdatedAt = fromMS(updated)
	return &ae, nil
}

// ListSourceAEs returns all trusted peers.
func (r *AERepository) ListSourceAEs(ctx context.Context) ([]*SourceAE, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, ae_title, host_ip, created_by, updated_by, created_at, updated_at
		FROM source_aes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SourceAE
	for rows.Next() {
		var ae SourceAE
		var created, updated int64
		if err := rows.Scan(&ae.Name, &ae.AETitle, &ae.HostIP,
			&ae.CreatedBy, &ae.UpdatedBy, &created, &updated); err != nil {
			return nil, err
		}
		ae.CreatedAt = fromMS(created)
		ae.UpdatedAt = fromMS(updated)
		out = append(out, &ae)
	}
	return out, rows.Err()
}

// DeleteSourceAE removes by name.
func (r *AERepository) DeleteSourceAE(ctx context.Context, name string) error {
	res, err := exec(ctx, r.db, `DELETE FROM source_aes WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddDestinationAE inserts a remote DIMSE export target.
func (r *AERepository) AddDestinationAE(ctx context.Context, ae *DestinationAE) error {
	if !dcm.ValidAETitle(ae.AETitle) {
		return fmt.Errorf("store: invalid AE title %q", ae.AETitle)
	}
	if strings.TrimSpace(ae.Name) == "" {
		ae.Name = ae.AETitle
	}
	if ae.Port <= 0 || ae.Port > 65535 {
		return fmt.Errorf("store: invalid port %d", ae.Port)
	}
	ae.CreatedAt = time.Now()
	_, err := exec(ctx, r.db, `
		INSERT INTO destination_aes (name, ae_title, host_ip, port, created_by, created_at)
		VALUES (?,?,?,?,?,?)`,
		ae.Name, ae.AETitle, ae.HostIP, ae.Port, ae.CreatedBy, ms(ae.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add destination ae: %w", err)
	}
	return nil
}

// GetDestinationAE looks up by name.
func (r *AERepository) GetDestinationAE(ctx context.Context, name string) (*DestinationAE, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, ae_title, host_ip, port, created_by, updated_by, created_at, updated_at
		FROM destination_aes WHERE name=?`, name)
	var ae DestinationAE
	var created, updated int64
	err := row.Scan(&ae.Name, &ae.AETitle, &ae.HostIP, &ae.Port,
		&ae.CreatedBy, &ae.UpdatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ae.CreatedAt = fromMS(created)
	ae.UpdatedAt = fromMS(updated)
	return &ae, nil
}

// UpdateDestinationAE rewrites the mutable fields; as with the Monai AE,
// only updated_by and updated_at are touched.
func (r *AERepository) UpdateDestinationAE(ctx context.Context, ae *DestinationAE) error {
	if !dcm.ValidAETitle(ae.AETitle) {
		return fmt.Errorf("store: invalid AE title %q", ae.AETitle)
	}
	if ae.Port <= 0 || ae.Port > 65535 {
		return fmt.Errorf("store: invalid port %d", ae.Port)
	}
	ae.UpdatedAt = time.Now()
	res, err := exec(ctx, r.db, `
		UPDATE destination_aes SET ae_title=?, host_ip=?, port=?, updated_by=?, updated_at=?
		WHERE name=?`,
		ae.AETitle, ae.HostIP, ae.Port, ae.UpdatedBy, ms(ae.UpdatedAt), ae.Name)
	if err != nil {
		return fmt.Errorf("store: update destination ae: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDestinationAEs returns all export targets.
func (r *AERepository) ListDestinationAEs(ctx context.Context) ([]*DestinationAE, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, ae_title, host_ip, port, created_by, updated_by, created_at, updated_at
		FROM destination_aes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DestinationAE
	for rows.Next() {
		var ae DestinationAE
		var created, updated int64
		if err := rows.Scan(&ae.Name, &ae.AETitle, &ae.HostIP, &ae.Port,
			&ae.CreatedBy, &ae.UpdatedBy, &created, &updated); err != nil {
			return nil, err
		}
		ae.CreatedAt = fromMS(created)
		ae.UpdatedAt = fromMS(updated)
		out = append(out, &ae)
	}
	return out, rows.Err()
}

// DeleteDestinationAE removes by name.
func (r *AERepository) DeleteDestinationAE(ctx context.Context, name string) error {
	res, err := exec(ctx, r.db, `DELETE FROM destination_aes WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddVirtualAE inserts a DICOMweb ingress endpoint.
func (r *AERepository) AddVirtualAE(ctx context.Context, ae *VirtualAE) error {
	if strings.TrimSpace(ae.Name) == "" {
		return errors.New("store: virtual AE requires a name")
	}
	ae.CreatedAt = time.Now()
	_, err := exec(ctx, r.db, `
		INSERT INTO virtual_aes (name, workflows, plug_ins, created_by, created_at)
		VALUES (?,?,?,?,?)`,
		ae.Name, marshalList(ae.Workflows), marshalList(ae.PlugIns),
		ae.CreatedBy, ms(ae.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add virtual ae: %w", err)
	}
	return nil
}

// GetVirtualAE looks up by name.
func (r *AERepository) GetVirtualAE(ctx context.Context, name string) (*VirtualAE, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, workflows, plug_ins, created_by, updated_by, created_at, updated_at
		FROM virtual_aes WHERE name=?`, name)
	var ae VirtualAE
	var workflows, plugins string
	var created, updated int64
	err := row.Scan(&ae.Name, &workflows, &plugins,
		&ae.CreatedBy, &ae.UpdatedBy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ae.Workflows = unmarshalList(workflows)
	ae.PlugIns = unmarshalList(plugins)
	ae.CreatedAt = fromMS(created)
	ae.UpdatedAt = fromMS(updated)
	return &ae, nil
}

// ListVirtualAEs returns all DICOMweb ingress endpoints.
func (r *AERepository) ListVirtualAEs(ctx context.Context) ([]*VirtualAE, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, workflows, plug_ins, created_by, updated_by, created_at, updated_at
		FROM virtual_aes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*VirtualAE
	for rows.Next() {
		var ae VirtualAE
		var workflows, plugins string
		var created, updated int64
		if err := rows.Scan(&ae.Name, &workflows, &plugins,
			&ae.CreatedBy, &ae.UpdatedBy, &created, &updated); err != nil {
			return nil, err
		}
		ae.Workflows = unmarshalList(workflows)
		ae.PlugIns = unmarshalList(plugins)
		ae.CreatedAt = fromMS(created)
		ae.UpdatedAt = fromMS(updated)
		out = append(out, &ae)
	}
	return out, rows.Err()
}

// DeleteVirtualAE removes by name.
func (r *AERepository) DeleteVirtualAE(ctx context.Context, name string) error {
	res, err := exec(ctx, r.db, `DELETE FROM virtual_aes WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
