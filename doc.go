// Package digmacore is the host-independent core of the Digma IDE plugin:
// backend session management (silent login, token refresh, logout) and the
// asynchronous code-discovery pipeline that feeds observed methods, spans and
// endpoints to the analytics backend.
//
// The package is a library, not a service. The host plugin runtime constructs
// a Core with its collaborators (project/file state, the language discovery
// provider, the backend analytics client and a telemetry sink), starts it,
// and publishes lifecycle events on the core's hub:
//
//	cfg := digmacore.DefaultConfig()
//	core, err := digmacore.New(cfg, digmacore.Collaborators{
//		Host:      host,
//		Provider:  provider,
//		Analytics: client,
//	})
//	if err != nil { ... }
//	if err := core.Start(ctx); err != nil { ... }
//	defer core.Close()
//
// Authentication failures never escape as errors: every outbound call made
// through the wrapped analytics client transparently re-authenticates once
// and retries. The host can query Connected for its status indicator.
package digmacore
