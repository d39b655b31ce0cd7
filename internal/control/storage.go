package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AtStationWork is the last movement of a bin waiting at a station.
const AtStationWork = "AT_STATION_WORK"

// Storage is a bin as reported by the storage manager.
type Storage struct {
	Code         int    `json:"code"`
	LastMovement string `json:"lastMovement,omitempty"`
}

// StorageManager is a client for the SM service.
type StorageManager struct {
	c client
}

func NewStorageManager(baseURL string, hc *http.Client, timeout time.Duration) *StorageManager {
	return &StorageManager{c: newClient("sm", baseURL, hc, timeout)}
}

type dataEnvelope struct {
	Data []Storage `json:"data"`
}

// CallBins asks for bins to be brought to a station.
func (s *StorageManager) CallBins(ctx context.Context, stationCode int, bins []int) error {
	in := struct {
		Station  int   `json:"station"`
		Storages []int `json:"storages"`
	}{stationCode, bins}
	return s.c.do(ctx, "call_bins", http.MethodPost, "/v3/operations/call", nil, in, nil)
}

// StoreBin returns a bin from a station to the matrix. A non-empty
// advanceOrder marks that order complete.
func (s *StorageManager) StoreBin(ctx context.Context, stationCode, bin int, advanceOrder string) error {
	in := struct {
		Station                  int      `json:"station"`
		Storage                  int      `json:"storage"`
		AdvancedOrdersToComplete []string `json:"advancedOrdersToComplete,omitempty"`
	}{Station: stationCode, Storage: bin}
	if advanceOrder != "" {
		in.AdvancedOrdersToComplete = []string{advanceOrder}
	}
	return s.c.do(ctx, "store_bin", http.MethodPost, "/v3/operations/store", nil, in, nil)
}

// StoragesAtStation reports the bins at a station and its gateway.
func (s *StorageManager) StoragesAtStation(ctx context.Context, stationCode int) ([]Storage, error) {
	var out dataEnvelope
	q := url.Values{"stations": {strconv.Itoa(stationCode)}}
	if err := s.c.do(ctx, "station_status", http.MethodGet, "/v3/storages", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// BinsInLayer lists every bin code stored in a layer.
func (s *StorageManager) BinsInLayer(ctx context.Context, layer int) ([]int, error) {
	in := struct {
		MinLayer int `json:"minLayer"`
		MaxLayer int `json:"maxLayer"`
	}{layer, layer}
	var out dataEnvelope
	if err := s.c.do(ctx, "layer_bins", http.MethodGet, "/v3/storages/layer", nil, in, &out); err != nil {
		return nil, err
	}
	codes := make([]int, len(out.Data))
	for i, st := range out.Data {
		codes[i] = st.Code
	}
	return codes, nil
}

// UpsertAdvanceOrder registers a pre-positioned order.
func (s *StorageManager) UpsertAdvanceOrder(ctx context.Context, orderNo string, bins []int) error {
	type storage struct {
		Code int `json:"code"`
	}
	in := struct {
		OrderNo  string    `json:"orderNo"`
		Storages []storage `json:"storages"`
	}{OrderNo: orderNo, Storages: make([]storage, len(bins))}
	for i, b := range bins {
		in.Storages[i] = storage{Code: b}
	}
	return s.c.do(ctx, "upsert_advance_order", http.MethodPost, "/v3/advanced-orders/upsert", nil, in, nil)
}

func (s *StorageManager) Reset(ctx context.Context) error {
	return s.c.do(ctx, "reset", http.MethodPost, "/v3/initialize/reset", nil, nil, nil)
}

func (s *StorageManager) Initialize(ctx context.Context, layout json.RawMessage) error {
	return s.c.do(ctx, "initialize", http.MethodPost, "/v3/initialize", nil, layout, nil)
}

func (s *StorageManager) SetObstacles(ctx context.Context, obstacles json.RawMessage) error {
	return s.c.do(ctx, "obstacles", http.MethodPost, "/v3/obstacles", nil, obstacles, nil)
}

func (s *StorageManager) InitializeStorage(ctx context.Context, storage json.RawMessage) error {
	return s.c.do(ctx, "initialize_storage", http.MethodPost, "/v3/initialize/storage", nil, storage, nil)
}

func (s *StorageManager) SetAutoStore(ctx context.Context, settings json.RawMessage) error {
	return s.c.do(ctx, "auto_store", http.MethodPut, "/v3/settings/auto-store", nil, settings, nil)
}

// Health succeeds when the SM answers its dispatcher settings endpoint.
func (s *StorageManager) Health(ctx context.Context) error {
	return s.c.do(ctx, "health", http.MethodGet, "/v3/settings/OrderDispatcher", nil, nil, nil)
}
