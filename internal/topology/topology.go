// Package topology loads the static cluster/node topology file and
// opens a proxy RPC stub per cluster, probing each for liveness at
// startup.
package topology

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ecrcoord/internal/metadata"
	"github.com/dreamware/ecrcoord/internal/proxyrpc"
)

// xmlTopology mirrors the on-disk document:
//
//	<clusters>
//	  <cluster id="0" proxy="10.0.0.1:7000">
//	    <nodes>
//	      <node uri="10.0.0.1:9000"/>
//	    </nodes>
//	  </cluster>
//	</clusters>
type xmlTopology struct {
	XMLName  xml.Name     `xml:"clusters"`
	Clusters []xmlCluster `xml:"cluster"`
}

type xmlCluster struct {
	ID    int        `xml:"id,attr"`
	Proxy string     `xml:"proxy,attr"`
	Nodes []xmlNode  `xml:"nodes>node"`
}

type xmlNode struct {
	URI string `xml:"uri,attr"`
}

// Loaded is the result of loading a topology file: cluster and node
// tables ready to hand to metadata.NewTables, plus one dialed
// proxyrpc.Client per cluster.
type Loaded struct {
	Clusters map[metadata.ClusterID]*metadata.Cluster
	Nodes    map[metadata.NodeID]*metadata.Node
	Proxies  map[metadata.ClusterID]proxyrpc.Client
}

// Load parses the topology file at path, assigns dense node ids in
// encounter order (cluster ids are taken as given from the file), and
// dials a proxy client per cluster.
func Load(path string, dialer proxyrpc.Dialer) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("topology: open %s: %w", path, err)
	}
	defer f.Close()

	var doc xmlTopology
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}

	clusters := make(map[metadata.ClusterID]*metadata.Cluster, len(doc.Clusters))
	nodes := make(map[metadata.NodeID]*metadata.Node)
	proxies := make(map[metadata.ClusterID]proxyrpc.Client, len(doc.Clusters))
	var nextNodeID metadata.NodeID

	for _, xc := range doc.Clusters {
		ip, port, err := splitHostPort(xc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("topology: cluster %d: proxy addr: %w", xc.ID, err)
		}
		cid := metadata.ClusterID(xc.ID)
		c := metadata.NewCluster(cid, ip, port)
		for _, xn := range xc.Nodes {
			nip, nport, err := splitHostPort(xn.URI)
			if err != nil {
				return nil, fmt.Errorf("topology: cluster %d: node addr: %w", xc.ID, err)
			}
			nid := nextNodeID
			nextNodeID++
			n := metadata.NewNode(nid, cid, nip, nport)
			nodes[nid] = n
			c.Nodes = append(c.Nodes, nid)
		}
		clusters[cid] = c
		proxies[cid] = dialer.Dial(proxyrpc.Endpoint{IP: ip, Port: port})
	}

	return &Loaded{Clusters: clusters, Nodes: nodes, Proxies: proxies}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}

// ProbeStatus reports whether a cluster's proxy answered checkalive.
type ProbeStatus struct {
	ClusterID metadata.ClusterID
	Alive     bool
	Err       error
}

// ProbeAll probes every cluster's proxy with checkalive concurrently,
// bounded by an errgroup so startup doesn't serialize on the slowest
// proxy. A failing probe is returned in the result slice, never as an
// error from ProbeAll itself: a dead proxy at startup is logged, not
// fatal, and its cluster stays registered.
func ProbeAll(ctx context.Context, proxies map[metadata.ClusterID]proxyrpc.Client) []ProbeStatus {
	results := make([]ProbeStatus, len(proxies))
	ids := make([]metadata.ClusterID, 0, len(proxies))
	for id := range proxies {
		ids = append(ids, id)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ids))
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			_, err := proxies[id].CheckAlive(ctx, "coordinator")
			results[i] = ProbeStatus{ClusterID: id, Alive: err == nil, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
