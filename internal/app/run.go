package app

import (
	"context"
	"log"
	"time"

	"github.com/mboers/dyad/internal/api"
	"github.com/mboers/dyad/internal/call"
	"github.com/mboers/dyad/internal/config"
	"github.com/mboers/dyad/internal/history"
	"github.com/mboers/dyad/internal/media"
	"github.com/mboers/dyad/internal/p2p"
	"github.com/mboers/dyad/internal/rtc"
	"github.com/mboers/dyad/internal/signal"
	"github.com/mboers/dyad/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// historyAdapter lets *history.Store satisfy call.HistoryWriter without the
// call package importing internal/history.
type historyAdapter struct {
	st *history.Store
}

func (h historyAdapter) AppendLogEntry(conversationID string, e call.LogEntry) error {
	return h.st.AppendLogEntry(conversationID, history.Entry{
		AuthorID: e.AuthorID,
		Kind:     e.Kind,
		Text:     e.Text,
	})
}

// Run brings up the full peer: libp2p node, gossip signaling, history store,
// capture, the call manager, and the local HTTP/WS surface. Blocks until ctx
// is cancelled, then tears everything down in reverse order.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	log.Printf("APP: peer dir %s", opt.PeerDir)
	log.Printf("APP: config %s", opt.CfgPath)

	keyPath := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
	if err != nil {
		return err
	}
	defer node.Close()

	sig := signal.NewPubSub(ctx, node.PS, node.Host.ID(), cfg.P2P.TopicPrefix)
	defer sig.Close()

	dataDir := util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir)
	hist, err := history.Open(dataDir)
	if err != nil {
		return err
	}
	defer hist.Close()

	caps, err := media.NewCapturer()
	if err != nil {
		return err
	}

	self := call.Identity{ID: node.ID(), DisplayName: cfg.Profile.Label}
	mgr := call.NewManager(sig, historyAdapter{hist}, caps, rtc.New, self, call.Timeouts{
		Ring:        time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Freshness:   time.Duration(cfg.Call.FreshnessWindowSec) * time.Second,
		MissedGrace: time.Duration(cfg.Call.MissedGraceSec) * time.Second,
	})
	defer mgr.Close()

	// Profile edits take effect without restart. Anything else in the config
	// (ports, key file, timeouts) needs one.
	stopWatch, err := config.Watch(opt.CfgPath, func(c config.Config) {
		mgr.SetDisplayName(c.Profile.Label)
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	srv := api.New(cfg.API.HTTPAddr, mgr, hist, mgr.Identity)
	srv.Start()
	log.Printf("APP: local API on http://%s", cfg.API.HTTPAddr)

	<-ctx.Done()

	shCtx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Printf("APP: API shutdown: %v", err)
	}
	return nil
}
