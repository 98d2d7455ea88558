// Package proxy is the Outbound-Proxy Registry & Selector: an ordered pool
// of SOCKS5/HTTP(S) proxies, with sticky-pin fan-out dispatch.
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relaynine/chatrelay/internal/store"
)

var ErrNotFound = errors.New("proxy: not found")

// Scheme values accepted for an OutboundProxy.
const (
	SchemeSOCKS5 = "socks5"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
)

// OutboundProxy is one entry in the ordered proxy pool (§3).
type OutboundProxy struct {
	ID             string
	Scheme         string
	Host           string
	Port           int
	Username       string
	Password       string
	OrderIndex     int
	LastVerifiedAt *time.Time
	LastVerifiedOK bool
	LastIP         string
	LastLocation   string
	LastLatencyMs  int
}

// Registry is CRUD over OutboundProxy plus the global enable switch.
type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

func (r *Registry) Add(ctx context.Context, scheme, host string, port int, username, password string, orderIndex int) (*OutboundProxy, error) {
	row := &store.ProxyRow{
		ID:         uuid.New().String(),
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		Username:   username,
		Password:   password,
		OrderIndex: orderIndex,
	}
	if err := r.store.InsertProxy(ctx, row); err != nil {
		return nil, err
	}
	return rowToProxy(row), nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteProxy(ctx, id)
}

func (r *Registry) Get(ctx context.Context, id string) (*OutboundProxy, error) {
	row, err := r.store.GetProxy(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return rowToProxy(row), nil
}

// List returns proxies ordered by OrderIndex, the order the Selector iterates
// during fan-out.
func (r *Registry) List(ctx context.Context) ([]*OutboundProxy, error) {
	rows, err := r.store.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*OutboundProxy, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToProxy(row))
	}
	return out, nil
}

func (r *Registry) ModeEnabled(ctx context.Context) (bool, error) {
	return r.store.ProxyModeEnabled(ctx)
}

func (r *Registry) SetModeEnabled(ctx context.Context, enabled bool) error {
	return r.store.SetProxyModeEnabled(ctx, enabled)
}

func (r *Registry) recordVerification(ctx context.Context, id string, v store.ProxyVerification) error {
	return r.store.UpdateProxyVerification(ctx, id, v)
}

func rowToProxy(row *store.ProxyRow) *OutboundProxy {
	return &OutboundProxy{
		ID:             row.ID,
		Scheme:         row.Scheme,
		Host:           row.Host,
		Port:           row.Port,
		Username:       row.Username,
		Password:       row.Password,
		OrderIndex:     row.OrderIndex,
		LastVerifiedAt: row.LastVerifiedAt,
		LastVerifiedOK: row.LastVerifiedOK,
		LastIP:         row.LastIP,
		LastLocation:   row.LastLocation,
		LastLatencyMs:  row.LastLatencyMs,
	}
}
