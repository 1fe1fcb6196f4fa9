package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
	"github.com/tictalk/tictalk/store"
)

const onionKey = "onionkey"

// getOrCreatePK loads the onion service key from the store, generating and
// saving a new one on first use.
func getOrCreatePK(st store.Store) (ed25519.PrivateKey, error) {
	d, err := st.Get(onionKey)
	if err != nil && !errors.Is(err, store.ErrKeyNotFound) {
		return nil, err
	}

	if len(d) == 0 {
		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		if err := st.Set(onionKey, pemEncoded); err != nil {
			return nil, err
		}
		return pk, nil
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, errors.New("invalid onion key PEM")
	}
	tPk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := tPk.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", tPk)
	}
	return pk, nil
}

type torServer struct {
	Handler    http.Handler
	PrivateKey ed25519.PrivateKey

	// Path to the tor binary. Empty looks up "tor" in PATH.
	ExePath string
	Log     *log.Logger
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

func (ts *torServer) Serve(ln net.Listener) error {
	d, err := os.MkdirTemp("", "tictalk-tor")
	if err != nil {
		return err
	}
	defer os.RemoveAll(d)

	t, err := tor.Start(context.Background(), &tor.StartConf{
		ExePath:         ts.ExePath,
		TempDataDirBase: d,
		NoHush:          true,
	})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	// Create a v3 onion service to listen on any port but show as 80.
	onion, err := t.Listen(listenCtx, &tor.ListenConf{LocalListener: ln, Key: ts.PrivateKey, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	ts.Log.Printf("onion service published at http://%v.onion", onion.ID)
	return http.Serve(onion, ts.Handler)
}
