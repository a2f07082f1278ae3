// Command node starts a purple node: the pow chain, the state chain,
// their consensus engines, and the peer-to-peer network that keeps them
// in sync with the rest of the network.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/chain/ingress"
	"github.com/purplenet/purple/chain/statechain"
	"github.com/purplenet/purple/config"
	"github.com/purplenet/purple/consensus"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/crypto/certgen"
	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/identity"
	"github.com/purplenet/purple/indexer"
	"github.com/purplenet/purple/network"
	"github.com/purplenet/purple/network/protoflow"
	"github.com/purplenet/purple/storage"
	"github.com/purplenet/purple/wallet"
)

func main() {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	genKey := fs.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := fs.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit")
	args := os.Args[1:]

	// --genkey and --gencerts are handled before the full flag set parses
	// the rest of the node's CLI surface, since they don't need a config.
	for _, a := range args {
		if a == "--genkey" || a == "-genkey" {
			*genKey = true
		}
	}
	password := os.Getenv("PURPLE_VALIDATOR_PASSWORD")
	if *genKey {
		keyPath := "validator.key"
		for i, a := range args {
			if a == "--key" && i+1 < len(args) {
				keyPath = args[i+1]
			}
		}
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated validator key %s\nSaved to: %s\n", w.PubKey(), keyPath)
		return
	}

	cfg, err := config.ParseFlags(fs, args)
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(1)
	}

	if *genCerts != "" {
		nodeID := cfg.NetworkName // stable per network until the p2p identity is generated below
		if err := certgen.GenerateAll(*genCerts, nodeID, nil); err != nil {
			log.Printf("gencerts: %v", err)
			os.Exit(2)
		}
		fmt.Printf("Certificates generated in %s\n", *genCerts)
		return
	}

	storageRoot, err := cfg.StorageRoot()
	if err != nil {
		log.Printf("storage root: %v", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		log.Printf("mkdir %s: %v", storageRoot, err)
		os.Exit(2)
	}
	db, err := storage.NewLevelDB(filepath.Join(storageRoot, "chain"))
	if err != nil {
		log.Printf("open db: %v", err)
		os.Exit(2)
	}
	defer db.Close()

	identityCol := storage.NewColumn(db, "identity")
	nodeIdentity, err := identity.LoadOrCreate(identityCol)
	if err != nil {
		log.Printf("identity: %v", err)
		os.Exit(2)
	}
	log.Printf("node ID: %s", nodeIdentity.NodeID())

	var validatorPriv = nodeIdentity.Priv
	if cfg.ValidatorKeystore != "" {
		validatorPriv, err = wallet.LoadKey(cfg.ValidatorKeystore, cfg.ValidatorPassword)
		if err != nil {
			log.Printf("load validator key: %v", err)
			os.Exit(1)
		}
	}

	emitter := events.NewEmitter()
	_ = indexer.New(db, emitter)

	finalityHorizon := cfg.FinalityDepth
	if finalityHorizon == 0 {
		finalityHorizon = chain.DefaultFinalityHorizon
	}

	var reorgForwarder chain.ReorgForwarder
	powCol := storage.NewColumn(db, "pow")
	powGenesis := config.CreateGenesisPowBlock(cfg.Genesis.Timestamp)
	powChain, err := chain.NewPowChain(powCol, powGenesis, cfg.Genesis.AuthorizedKeys, finalityHorizon, reorgForwarder.Hook())
	if err != nil {
		log.Printf("pow chain: %v", err)
		os.Exit(2)
	}

	stateCol := storage.NewColumn(db, "state")
	genesisState, genesisRoot, err := config.CreateGenesisState(cfg, stateCol, emitter)
	if err != nil {
		log.Printf("genesis state: %v", err)
		os.Exit(2)
	}
	stateGenesis := config.CreateGenesisStateBlock(cfg.Genesis.Timestamp, genesisRoot)
	stateChain, err := statechain.New(stateCol, stateGenesis, genesisState, powChain, emitter, cfg.Genesis.AuthorizedKeys, finalityHorizon)
	if err != nil {
		log.Printf("state chain: %v", err)
		os.Exit(2)
	}
	reorgForwarder.Set(stateChain.HandlePowReorg)

	mempool := chain.NewMempool(int64(cfg.MempoolSizeMB) << 20)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Printf("tls: %v", err)
		os.Exit(1)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	node := network.NewNode(nodeIdentity.NodeID(), cfg.NetworkName, nodeIdentity.Priv, listenAddr, tlsCfg)

	netCol := storage.NewColumn(db, "network")
	bootCache, err := network.LoadBootstrapCache(netCol, network.DefaultBootstrapCacheSize)
	if err != nil {
		log.Printf("bootstrap cache: %v", err)
		os.Exit(2)
	}
	node.SetBootstrapCache(bootCache)

	powQueue := ingress.New[*chain.PowBlock](ingress.DefaultCapacity)
	stateQueue := ingress.New[*chain.StateBlock](ingress.DefaultCapacity)
	powReceiver := protoflow.NewReceiver[*chain.PowBlock](powChain.BlocksAfter)
	stateReceiver := protoflow.NewReceiver[*chain.StateBlock](stateChain.BlocksAfter)

	scorer := node.PeerTable()
	powSenders := make(map[string]*protoflow.Sender[*chain.PowBlock])
	stateSenders := make(map[string]*protoflow.Sender[*chain.StateBlock])
	var sendersMu sync.Mutex

	powSenderFor := func(peerID string) *protoflow.Sender[*chain.PowBlock] {
		sendersMu.Lock()
		defer sendersMu.Unlock()
		sender, ok := powSenders[peerID]
		if !ok {
			sender = protoflow.NewSender[*chain.PowBlock](peerID, "pow", powQueue, chain.DecodePowBlock, scorer)
			powSenders[peerID] = sender
		}
		return sender
	}
	stateSenderFor := func(peerID string) *protoflow.Sender[*chain.StateBlock] {
		sendersMu.Lock()
		defer sendersMu.Unlock()
		sender, ok := stateSenders[peerID]
		if !ok {
			sender = protoflow.NewSender[*chain.StateBlock](peerID, "state", stateQueue, chain.DecodeStateBlock, scorer)
			stateSenders[peerID] = sender
		}
		return sender
	}

	// requestCatchup kicks off a catch-up fetch from peer starting just
	// after genesis, used whenever an arriving block's parent is unknown.
	// A session already in flight is left alone; a
	// session that finished (successfully or not) is reset and reused.
	requestCatchup := func(sender interface {
		State() string
		Reset()
	}, start func() error, peerID string) {
		switch sender.State() {
		case "awaiting_response":
			return
		case "idle":
		default:
			sender.Reset()
		}
		if err := start(); err != nil {
			log.Printf("[node] request blocks from %s: %v", peerID, err)
		}
	}

	node.OnPowBlock(func(peer *network.Peer, payload []byte) {
		block, err := chain.DecodePowBlock(payload)
		if err != nil {
			log.Printf("[node] bad pow block from %s: %v", peer.ID, err)
			return
		}
		if err := powChain.Append(block); err != nil {
			log.Printf("[node] reject pow block from %s: %v", peer.ID, err)
			if errors.Is(err, chain.ErrOrphanBlock) {
				sender := powSenderFor(peer.ID)
				requestCatchup(sender, func() error {
					return sender.Start(peer, powGenesis.BlockHash(), protoflow.MaxBlocksPerRequest, protoflow.DefaultSessionTimeout)
				}, peer.ID)
			}
		}
	})
	node.OnStateBlock(func(peer *network.Peer, payload []byte) {
		block, err := chain.DecodeStateBlock(payload)
		if err != nil {
			log.Printf("[node] bad state block from %s: %v", peer.ID, err)
			return
		}
		if err := stateChain.Append(block); err != nil {
			log.Printf("[node] reject state block from %s: %v", peer.ID, err)
			if errors.Is(err, chain.ErrOrphanBlock) {
				sender := stateSenderFor(peer.ID)
				requestCatchup(sender, func() error {
					return sender.Start(peer, stateGenesis.BlockHash(), protoflow.MaxBlocksPerRequest, protoflow.DefaultSessionTimeout)
				}, peer.ID)
			}
		}
	})
	node.OnRequestBlocks(func(peer *network.Peer, payload []byte) {
		var req protoflow.RequestBlocks
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Printf("[node] bad RequestBlocks from %s: %v", peer.ID, err)
			return
		}
		switch req.Chain {
		case "pow":
			env := powReceiver.HandleRequestBlocks(req)
			reply, err := json.Marshal(env)
			if err == nil {
				peer.SendPacket(protoflow.TagSendBlocks, reply)
			}
		case "state":
			env := stateReceiver.HandleRequestBlocks(req)
			reply, err := json.Marshal(env)
			if err == nil {
				peer.SendPacket(protoflow.TagSendBlocks, reply)
			}
		default:
			log.Printf("[node] RequestBlocks for unknown chain %q from %s", req.Chain, peer.ID)
		}
	})

	node.OnSendBlocks(func(peer *network.Peer, payload []byte) {
		var probe struct {
			Chain string `json:"chain"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			log.Printf("[node] bad SendBlocks from %s: %v", peer.ID, err)
			return
		}
		switch probe.Chain {
		case "pow":
			var env protoflow.SendBlocksEnvelope[*chain.PowBlock]
			if err := json.Unmarshal(payload, &env); err == nil {
				powSenderFor(peer.ID).HandleSendBlocks(env)
			}
		case "state":
			var env protoflow.SendBlocksEnvelope[*chain.StateBlock]
			if err := json.Unmarshal(payload, &env); err == nil {
				stateSenderFor(peer.ID).HandleSendBlocks(env)
			}
		}
	})

	node.OnPeerDisconnect(func(nodeID string) {
		sendersMu.Lock()
		powSender := powSenders[nodeID]
		stateSender := stateSenders[nodeID]
		sendersMu.Unlock()
		if powSender != nil {
			powSender.OnDisconnect()
		}
		if stateSender != nil {
			stateSender.OnDisconnect()
		}
	})

	// Blocks that arrive out of band via the sync protocol still have to
	// reach the chains, same as gossiped blocks. On shutdown each worker
	// keeps draining its queue up to drainTimeout, then abandons the rest.
	shutdown := make(chan struct{})
	var workers sync.WaitGroup
	workers.Add(2)
	go runChainWorker(powQueue, powChain.Append, "pow", shutdown, &workers)
	go runChainWorker(stateQueue, stateChain.Append, "state", shutdown, &workers)

	if err := node.Start(); err != nil {
		log.Printf("p2p start: %v", err)
		os.Exit(2)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", listenAddr)

	for _, sp := range cfg.SeedPeers {
		if err := node.Connect(sp.NodeID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.NodeID, sp.Addr, err)
		}
	}
	// Redial peers remembered from a prior run, beyond the configured seed
	// peers, so catch-up doesn't depend on the seed list staying accurate
	// forever.
	for nodeID, addr := range bootCache.Addresses() {
		if node.IsConnected(nodeID) {
			continue
		}
		if err := node.Connect(nodeID, addr); err != nil {
			log.Printf("bootstrap peer %s (%s): %v", nodeID, addr, err)
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup

	if cfg.Mine {
		miner := consensus.NewMiner(powChain, validatorPriv, cfg.Difficulty)
		miner.SetListenAddr(listenAddr)
		miner.SetOnBlock(func(b *chain.PowBlock) {
			if data, err := b.Serialize(); err == nil {
				node.Broadcast(network.TagPowBlock, data)
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			miner.Run(time.Second, done)
		}()
		log.Printf("mining enabled (difficulty %d)", cfg.Difficulty)
	}
	if cfg.Propose {
		proposer := consensus.NewProposer(stateChain, mempool, emitter, cfg.Genesis.AuthorizedKeys, validatorPriv, cfg.MaxBlockTxs)
		proposer.SetOnBlock(func(b *chain.StateBlock) {
			if data, err := b.Serialize(); err == nil {
				node.Broadcast(network.TagStateBlock, data)
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			proposer.Run(2*time.Second, func() crypto.Digest { tip, _ := powChain.Tip(); return tip }, done)
		}()
		log.Println("proposing enabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down...")
	close(done)
	wg.Wait()
	close(shutdown)
	workers.Wait()
	if err := bootCache.Save(netCol); err != nil {
		log.Printf("bootstrap cache: save: %v", err)
	}
	log.Println("shutdown complete")
}

// drainTimeout bounds how long a chain worker keeps consuming its
// ingress queue after shutdown begins.
const drainTimeout = 5 * time.Second

func runChainWorker[B chain.Block](q *ingress.Queue[B], apply func(B) error, name string, shutdown <-chan struct{}, workers *sync.WaitGroup) {
	defer workers.Done()
	for {
		select {
		case b := <-q.Blocks():
			if err := apply(b); err != nil {
				log.Printf("[node] reject synced %s block: %v", name, err)
			}
		case <-shutdown:
			deadline := time.NewTimer(drainTimeout)
			defer deadline.Stop()
			for {
				select {
				case b := <-q.Blocks():
					if err := apply(b); err != nil {
						log.Printf("[node] reject synced %s block: %v", name, err)
					}
				case <-deadline.C:
					if n := q.Len(); n > 0 {
						log.Printf("[node] abandoning %d queued %s blocks at shutdown", n, name)
					}
					return
				default:
					if q.Len() == 0 {
						return
					}
				}
			}
		}
	}
}
