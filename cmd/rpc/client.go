package rpc

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-network/hotshot/bft"
	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/store"
)

// Client queries a diagnostics server
type Client struct {
	rpcURL string
	client http.Client
}

// NewClient() creates a client of the server at rpcURL; a bare port means localhost
func NewClient(rpcURL string, timeoutS int) *Client {
	if !strings.Contains(rpcURL, "://") {
		rpcURL = "http://" + localhost + colon + rpcURL
	}
	return &Client{rpcURL: strings.TrimSuffix(rpcURL, "/"), client: http.Client{Timeout: time.Duration(timeoutS) * time.Second}}
}

func (c *Client) Version() (version *string, err lib.ErrorI) {
	version = new(string)
	err = c.get(VersionRoutePath, version)
	return
}

func (c *Client) Nodes() (p []NodeSummary, err lib.ErrorI) {
	err = c.get(NodesRoutePath, &p)
	return
}

func (c *Client) Status(index int) (p *bft.Status, err lib.ErrorI) {
	p = new(bft.Status)
	err = c.get(nodePath(StatusRoutePath, index), p)
	return
}

func (c *Client) Faults(index int) (p *FaultsResponse, err lib.ErrorI) {
	p = new(FaultsResponse)
	err = c.get(nodePath(FaultsRoutePath, index), p)
	return
}

func (c *Client) Leaf(index int, height uint64) (p *store.CommittedLeaf, err lib.ErrorI) {
	p = new(store.CommittedLeaf)
	err = c.get(strings.Replace(nodePath(LeafRoutePath, index), ":height", fmt.Sprint(height), 1), p)
	return
}

func (c *Client) Records(index int, kind lib.ProposalKind, view uint64) (p []*lib.ProposalType, err lib.ErrorI) {
	path := strings.Replace(nodePath(RecordsRoutePath, index), ":kind", kind.String(), 1)
	err = c.get(strings.Replace(path, ":view", fmt.Sprint(view), 1), &p)
	return
}

func (c *Client) Network() (p *NetworkResponse, err lib.ErrorI) {
	p = new(NetworkResponse)
	err = c.get(NetworkRoutePath, p)
	return
}

// nodePath() fills the :index param of a route
func nodePath(route string, index int) string {
	return strings.Replace(route, ":index", fmt.Sprint(index), 1)
}

func (c *Client) get(path string, ptr any) lib.ErrorI {
	resp, err := c.client.Get(c.rpcURL + path)
	if err != nil {
		return ErrGetRequest(err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.unmarshal(resp, ptr)
}

func (c *Client) unmarshal(resp *http.Response, ptr any) lib.ErrorI {
	bz, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrReadBody(err)
	}
	if resp.StatusCode != http.StatusOK {
		return ErrHttpStatus(resp.Status, resp.StatusCode, bz)
	}
	return lib.UnmarshalJSON(bz, ptr)
}
