package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"depot-go/internal/depot"
	"depot-go/internal/protocol"
)

// CommandHandler answers the COMMAND messages of an authenticated session.
// The returned message is written back on the same session.
type CommandHandler interface {
	Handle(ctx context.Context, sess SessionInfo, command string) protocol.Message
}

// Commands is the built-in command set:
//
//	download <id>  DOWNLOAD_INFO with a fetchable URL per chunk
//	list           LIST_RESPONSE with every published file
//	info <id>      INFO_RESPONSE for one file
//	status         STATUS_RESPONSE with the caller's license state
//	ping           PONG "pong"
type Commands struct {
	authority *Authority
	catalog   *Catalog
	logger    depot.Logger
	clock     depot.Clock
}

func NewCommands(authority *Authority, catalog *Catalog, logger depot.Logger, clock depot.Clock) *Commands {
	return &Commands{
		authority: authority,
		catalog:   catalog,
		logger:    logger,
		clock:     clock,
	}
}

func (c *Commands) Handle(ctx context.Context, sess SessionInfo, command string) protocol.Message {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return c.fail("", "empty command")
	}
	name := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command), fields[0]))

	c.logger.Debug("command received", "session", sess.ID, "command", name)

	switch name {
	case "download":
		return c.download(name, arg)
	case "list":
		return c.list(name)
	case "info":
		return c.info(name, arg)
	case "status":
		return c.status(name, sess)
	case "ping":
		return protocol.New(protocol.TypePong, "pong", protocol.ServerSender, c.clock.Now())
	default:
		return c.fail(name, fmt.Sprintf("unknown command %q", name))
	}
}

func (c *Commands) download(name, ref string) protocol.Message {
	if ref == "" {
		return c.fail(name, "usage: download <id>")
	}
	m, err := c.catalog.Resolve(ref)
	if err != nil {
		return c.failErr(name, ref, err)
	}
	info, err := c.catalog.DownloadInfo(m)
	if err != nil {
		return c.failErr(name, ref, err)
	}
	return c.reply(name, protocol.TypeDownloadInfo, info)
}

func (c *Commands) list(name string) protocol.Message {
	manifests, err := c.catalog.List()
	if err != nil {
		return c.failErr(name, "", err)
	}
	resp := protocol.ListResponse{Items: make([]protocol.CatalogItem, 0, len(manifests))}
	for _, m := range manifests {
		resp.Items = append(resp.Items, Item(m))
	}
	return c.reply(name, protocol.TypeListResponse, resp)
}

func (c *Commands) info(name, ref string) protocol.Message {
	if ref == "" {
		return c.fail(name, "usage: info <id>")
	}
	m, err := c.catalog.Resolve(ref)
	if err != nil {
		return c.failErr(name, ref, err)
	}
	return c.reply(name, protocol.TypeInfoResponse, protocol.InfoResponse{
		CatalogItem: Item(m),
		ChunkSize:   m.ChunkSize,
		CreatedAt:   m.CreatedAt,
	})
}

func (c *Commands) status(name string, sess SessionInfo) protocol.Message {
	u, ok := c.authority.User(sess.LicenseKey)
	if !ok {
		return c.fail(name, "no license record for this session")
	}
	return c.reply(name, protocol.TypeStatusResponse, protocol.StatusResponse{
		SessionID:         sess.ID,
		Username:          u.Username,
		LicenseExpiration: u.LicenseExpiration,
		RateLimit:         u.RateLimit,
		OnlineUsers:       len(c.authority.GetOnlineUsers()),
		ServerTime:        c.clock.Now().UTC(),
	})
}

func (c *Commands) reply(name string, t protocol.Type, payload any) protocol.Message {
	m, err := protocol.NewPayload(t, payload, protocol.ServerSender, c.clock.Now())
	if err != nil {
		c.logger.Error("encoding command reply", "command", name, "error", err)
		return c.fail(name, "internal error")
	}
	return m
}

func (c *Commands) failErr(name, ref string, err error) protocol.Message {
	if errors.Is(err, depot.ErrNotFound) {
		return c.fail(name, fmt.Sprintf("file %q not found", ref))
	}
	c.logger.Error("command failed", "command", name, "error", err)
	return c.fail(name, err.Error())
}

func (c *Commands) fail(name, msg string) protocol.Message {
	m, err := protocol.NewPayload(protocol.TypeError, protocol.ErrorResponse{Command: name, Message: msg}, protocol.ServerSender, c.clock.Now())
	if err != nil {
		return protocol.New(protocol.TypeError, msg, protocol.ServerSender, c.clock.Now())
	}
	return m
}

// unsupportedHandler rejects every command.
type unsupportedHandler struct{}

func (unsupportedHandler) Handle(_ context.Context, _ SessionInfo, command string) protocol.Message {
	m, _ := protocol.NewPayload(protocol.TypeError, protocol.ErrorResponse{Message: "commands are not supported"}, protocol.ServerSender, depot.RealClock{}.Now())
	return m
}
