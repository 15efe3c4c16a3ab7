package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[T any](c *Client, method string, req any) (*T, error) {
	var resp T
	if err := c.client.Call(serviceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start resumes job processing.
func (c *Client) Start() (*StartResponse, error) {
	return call[StartResponse](c, "Start", StartRequest{})
}

// Stop halts job processing; the daemon stays reachable.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// Shutdown asks the daemon process to exit.
func (c *Client) Shutdown() (*ShutdownResponse, error) {
	return call[ShutdownResponse](c, "Shutdown", ShutdownRequest{})
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Submit admits media files.
func (c *Client) Submit(paths []string, priority *int) (*SubmitResponse, error) {
	return call[SubmitResponse](c, "Submit", SubmitRequest{Paths: paths, Priority: priority})
}

// QueueList returns jobs optionally filtered by statuses.
func (c *Client) QueueList(statuses []string) (*QueueListResponse, error) {
	return call[QueueListResponse](c, "QueueList", QueueListRequest{Statuses: statuses})
}

// QueueShow returns one job; the response Job is nil when none matches.
func (c *Client) QueueShow(ref string) (*QueueShowResponse, error) {
	return call[QueueShowResponse](c, "QueueShow", JobRef{Ref: ref})
}

// Cancel cancels a job or flags a running one.
func (c *Client) Cancel(ref string) (*JobControlResponse, error) {
	return call[JobControlResponse](c, "Cancel", JobRef{Ref: ref})
}

// Pause parks a job or flags a running one.
func (c *Client) Pause(ref string) (*JobControlResponse, error) {
	return call[JobControlResponse](c, "Pause", JobRef{Ref: ref})
}

// Resume requeues a paused job.
func (c *Client) Resume(ref string) (*JobControlResponse, error) {
	return call[JobControlResponse](c, "Resume", JobRef{Ref: ref})
}

// Remove deletes a terminal job and its data.
func (c *Client) Remove(ref string) (*QueueRemoveResponse, error) {
	return call[QueueRemoveResponse](c, "Remove", JobRef{Ref: ref})
}

// Clear removes terminal jobs, optionally limited to statuses.
func (c *Client) Clear(statuses []string) (*QueueClearResponse, error) {
	return call[QueueClearResponse](c, "Clear", QueueClearRequest{Statuses: statuses})
}

// Reprocess admits a rerun of ref starting at stage from.
func (c *Client) Reprocess(ref, from string, priority *int) (*JobResponse, error) {
	return call[JobResponse](c, "Reprocess", ReprocessRequest{Ref: ref, From: from, Priority: priority})
}

// Resubmit admits a continuation of a failed or cancelled job.
func (c *Client) Resubmit(ref string, priority *int) (*JobResponse, error) {
	return call[JobResponse](c, "Resubmit", ResubmitRequest{Ref: ref, Priority: priority})
}

// QueueHealth returns aggregate queue counts.
func (c *Client) QueueHealth() (*QueueHealthResponse, error) {
	return call[QueueHealthResponse](c, "QueueHealth", QueueHealthRequest{})
}

// DatabaseHealth retrieves detailed database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	return call[DatabaseHealthResponse](c, "DatabaseHealth", DatabaseHealthRequest{})
}

// CacheStatus returns model cache state.
func (c *Client) CacheStatus() (*CacheStatusResponse, error) {
	return call[CacheStatusResponse](c, "CacheStatus", CacheStatusRequest{})
}

// CacheClear evicts idle models of kind, or all kinds when empty.
func (c *Client) CacheClear(kind string) (*CacheClearResponse, error) {
	return call[CacheClearResponse](c, "CacheClear", CacheClearRequest{Kind: kind})
}

// Identities lists known speaker identities.
func (c *Client) Identities() (*IdentityListResponse, error) {
	return call[IdentityListResponse](c, "Identities", IdentityListRequest{})
}

// ForgetIdentity removes one speaker identity.
func (c *Client) ForgetIdentity(fingerprint string) (*IdentityRemoveResponse, error) {
	return call[IdentityRemoveResponse](c, "ForgetIdentity", IdentityRemoveRequest{Fingerprint: fingerprint})
}

// LogTail returns log lines from the daemon or a job log.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return call[LogTailResponse](c, "LogTail", req)
}
