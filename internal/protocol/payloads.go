package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"depot-go/internal/depot"
)

// AuthRequest is the content of the first client message on a connection.
type AuthRequest struct {
	Username   string `json:"username"`
	LicenseKey string `json:"licenseKey"`
}

// ChunkRef locates one chunk of a download in the blob store.
type ChunkRef struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Size  int64  `json:"size"`
	URL   string `json:"url"`
	Hash  string `json:"hash,omitempty"`
}

// DownloadInfo answers "download <id>". Chunks are ordered by Index.
type DownloadInfo struct {
	ItemID     string     `json:"itemId"`
	Title      string     `json:"fileTitle"`
	FileID     string     `json:"fileId"`
	FileName   string     `json:"fileName"`
	ChunkCount int        `json:"chunkCount"`
	Chunks     []ChunkRef `json:"chunks"`
	TotalSize  int64      `json:"totalSize"`
}

// CatalogItem summarizes one downloadable file.
type CatalogItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	ChunkCount int    `json:"chunkCount"`
}

// ListResponse answers "list".
type ListResponse struct {
	Items []CatalogItem `json:"items"`
}

// InfoResponse answers "info <id>".
type InfoResponse struct {
	CatalogItem
	ChunkSize int64     `json:"chunkSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusResponse answers "status" with the caller's license state.
type StatusResponse struct {
	SessionID         string    `json:"sessionId"`
	Username          string    `json:"username"`
	LicenseExpiration time.Time `json:"licenseExpiration"`
	RateLimit         int       `json:"rateLimit"`
	OnlineUsers       int       `json:"onlineUsers"`
	ServerTime        time.Time `json:"serverTime"`
}

// ErrorResponse answers a COMMAND that failed.
type ErrorResponse struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string { return e.Message }

var (
	registryMu sync.RWMutex
	registry   = map[Type]func() any{
		TypeAuth:           func() any { return &AuthRequest{} },
		TypeDownloadInfo:   func() any { return &DownloadInfo{} },
		TypeListResponse:   func() any { return &ListResponse{} },
		TypeInfoResponse:   func() any { return &InfoResponse{} },
		TypeStatusResponse: func() any { return &StatusResponse{} },
		TypeError:          func() any { return &ErrorResponse{} },
	}
)

// RegisterPayload installs the typed decoder for t's content. The factory must
// return a pointer to a fresh value.
func RegisterPayload(t Type, factory func() any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = factory
}

// DecodePayload decodes m.Content with the decoder registered for m.Type.
// Types whose content is plain text (COMMAND, DISCONNECT, NOTIFICATION) have
// no decoder and yield an error wrapping depot.ErrProtocol.
func DecodePayload(m Message) (any, error) {
	registryMu.RLock()
	factory, ok := registry[m.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no payload schema for %s", depot.ErrProtocol, m.Type)
	}

	v := factory()
	if err := json.Unmarshal([]byte(m.Content), v); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", depot.ErrProtocol, m.Type, err)
	}
	return v, nil
}

// DecodeAs decodes m's payload as *T, failing when m carries a different type.
func DecodeAs[T any](m Message) (*T, error) {
	v, err := DecodePayload(m)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("%w: %s payload is %T, not %T", depot.ErrProtocol, m.Type, v, &zero)
	}
	return p, nil
}

// NewPayload marshals payload into the content of a new Message.
func NewPayload(t Type, payload any, sender string, now time.Time) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return New(t, string(data), sender, now), nil
}
