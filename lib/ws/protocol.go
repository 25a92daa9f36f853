package ws

import (
	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/geom"
	"github.com/hut8/soar-sub008/lib/live"
)

const (
	ProtocolLive = "soar-live"

	RequestTypeViewport = "viewport" // set/replace the viewport, starts the stream
	RequestTypeUnsub    = "unsub"    // stop streaming, keep the connection
	RequestTypeSnapshot = "snapshot" // one-shot: everything currently in the viewport

	ResponseTypeError       = "error"
	ResponseTypeAckViewport = "ack-viewport"
	ResponseTypeAckUnsub    = "ack-unsub"
	ResponseTypeFix         = "fix"
	ResponseTypeFixList     = "fix-list"
	ResponseTypeClusters    = "clusters"
	ResponseTypeMode        = "mode"
	ResponseTypeSnapshot    = "snapshot"
)

type (
	Request struct {
		Type     string       `json:"type"`
		Viewport *geom.Bounds `json:"viewport,omitempty"`
	}

	Response struct {
		Type      string         `json:"type"`
		Message   string         `json:"message,omitempty"`
		Fix       *fix.Fix       `json:"fix,omitempty"`
		Fixes     []fix.Fix      `json:"fixes,omitempty"`
		Clusters  []live.Cluster `json:"clusters,omitempty"`
		Clustered bool           `json:"clustered"`
	}
)
