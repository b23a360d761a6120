package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/fibrx/pkg/fal"
)

// fibrxCollector implements prometheus.Collector, reading engine
// counters on each scrape.
type fibrxCollector struct {
	srv *Server

	routesByState   *prometheus.Desc
	nexthopCapacity *prometheus.Desc
	nexthopInUse    *prometheus.Desc
	nexthopDedup    *prometheus.Desc
	vrfCount        *prometheus.Desc
}

func newCollector(srv *Server) *fibrxCollector {
	return &fibrxCollector{
		srv: srv,

		routesByState: prometheus.NewDesc(
			"fibrx_routes",
			"Route rules by plane and programming state.",
			[]string{"plane", "state"}, nil,
		),
		nexthopCapacity: prometheus.NewDesc(
			"fibrx_nexthop_capacity",
			"Next-hop store slot capacity.",
			nil, nil,
		),
		nexthopInUse: prometheus.NewDesc(
			"fibrx_nexthop_in_use",
			"Next-hop store slots in use.",
			nil, nil,
		),
		nexthopDedup: prometheus.NewDesc(
			"fibrx_nexthop_dedup_keys",
			"Distinct next-hop-group content keys.",
			nil, nil,
		),
		vrfCount: prometheus.NewDesc(
			"fibrx_vrfs",
			"Number of live VRFs.",
			nil, nil,
		),
	}
}

func (c *fibrxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.routesByState
	ch <- c.nexthopCapacity
	ch <- c.nexthopInUse
	ch <- c.nexthopDedup
	ch <- c.vrfCount
}

func (c *fibrxCollector) Collect(ch chan<- prometheus.Metric) {
	e := c.srv.engine
	if e == nil {
		return
	}

	sw, hw := e.StatsSnapshot()
	for st := fal.ObjState(0); st < fal.StateCount; st++ {
		ch <- prometheus.MustNewConstMetric(c.routesByState, prometheus.GaugeValue,
			float64(sw[st]), "software", st.String())
		ch <- prometheus.MustNewConstMetric(c.routesByState, prometheus.GaugeValue,
			float64(hw[st]), "hardware", st.String())
	}

	store := e.Store()
	ch <- prometheus.MustNewConstMetric(c.nexthopCapacity, prometheus.GaugeValue,
		float64(store.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.nexthopInUse, prometheus.GaugeValue,
		float64(store.InUse()))
	ch <- prometheus.MustNewConstMetric(c.nexthopDedup, prometheus.GaugeValue,
		float64(store.DedupKeys()))
	ch <- prometheus.MustNewConstMetric(c.vrfCount, prometheus.GaugeValue,
		float64(e.VRFs().Len()))
}
