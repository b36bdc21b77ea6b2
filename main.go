package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/discovery"
	"peerlink/session"
	"peerlink/storage"
)

const (
	sessionMaxAge      = time.Hour
	cleanupInterval    = 10 * time.Minute
	resumeRetention    = 7 * 24 * time.Hour
	sessionEventBuffer = 64
)

func main() {
	log := logrus.New()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.WithError(err).Fatal("startup failed while loading config")
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		log.WithError(err).Fatal("startup failed while preparing identity key")
	}

	dataDir := filepath.Dir(cfgPath)
	log.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"fingerprint": identity.Fingerprint(),
		"data_dir":    dataDir,
	}).Info("peerlink starting")

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("database close error")
		}
	}()
	log.WithField("path", dbPath).Info("resume store opened")

	resumable, err := store.GetAllTransferStates()
	if err != nil {
		log.WithError(err).Warn("loading resume records failed")
	} else {
		for _, state := range resumable {
			for _, file := range state.Files {
				if file.Resumable() {
					log.WithFields(logrus.Fields{
						"session": file.SessionID,
						"file":    file.FileID,
						"done":    len(file.CompletedChunks),
					}).Info("resumable transfer found")
				}
			}
		}
	}

	observer, events := session.NewChannelObserver(sessionEventBuffer)
	sessions := session.NewManager(observer)
	defer sessions.EndAllSessions()
	go logSessionEvents(log, events)

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:  cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		ListeningPort: listeningPort(cfg),
		Fingerprint:   identity.Fingerprint(),
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Warn("discovery startup failed")
	} else {
		defer discoveryService.Stop()
		go logDiscoveryEvents(log, discoveryService.Scanner.Events())
		log.Info("discovery running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runCleanup(ctx, log, sessions, store)

	log.Info("peerlink running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("peerlink shutting down")
}

func listeningPort(cfg *config.DeviceConfig) int {
	if cfg.PortMode == config.PortModeFixed && cfg.ListeningPort > 0 {
		return cfg.ListeningPort
	}
	return config.DefaultListeningPort
}

// runCleanup periodically drops stale sessions and old resume records.
func runCleanup(ctx context.Context, log *logrus.Logger, sessions *session.Manager, store *storage.Store) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.CleanupExpiredSessions(sessionMaxAge); removed > 0 {
				log.WithField("count", removed).Info("expired sessions cleaned up")
			}
			removed, err := store.CleanupOldStates(resumeRetention)
			if err != nil {
				log.WithError(err).Warn("resume store cleanup failed")
				continue
			}
			if removed > 0 {
				log.WithField("count", removed).Info("old resume records cleaned up")
			}
		}
	}
}

func logSessionEvents(log *logrus.Logger, events <-chan session.Event) {
	for event := range events {
		log.WithFields(logrus.Fields{
			"session": event.SessionID,
			"type":    event.Type,
		}).Info("session event")
	}
}

func logDiscoveryEvents(log *logrus.Logger, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			log.WithFields(logrus.Fields{
				"device": event.Peer.DeviceID,
				"name":   event.Peer.DeviceName,
				"addrs":  event.Peer.Addresses,
				"port":   event.Peer.Port,
			}).Info("peer available")
		case discovery.EventPeerRemoved:
			log.WithField("device", event.Peer.DeviceID).Info("peer removed")
		default:
			log.WithFields(logrus.Fields{
				"device": event.Peer.DeviceID,
				"type":   event.Type,
			}).Info("discovery event")
		}
	}
}
