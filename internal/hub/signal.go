//go:build !windows

package hub

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler reloads the admin password hash and JWT secret from
// disk on SIGHUP, so `fleethub --reset-password` takes effect without a
// restart.
func SetupSignalHandler(creds *CredentialStore) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)

	go func() {
		for range sigs {
			log.Println("hub: received SIGHUP, reloading config")
			if err := creds.Reload(); err != nil {
				log.Printf("hub: failed to reload config: %v", err)
				continue
			}
			log.Println("hub: config reloaded")
		}
	}()
}
