//go:build windows

package hub

// SetupSignalHandler is a no-op on Windows; SIGHUP does not exist there.
func SetupSignalHandler(creds *CredentialStore) {}
