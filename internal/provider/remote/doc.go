// Package remote implements a bus provider backed by a websocket
// connection to a resource backend.
//
// One provider holds at most one shared connection and multiplexes
// every concrete-path activation over it. The bus attaches the
// provider at a mount path; subscriptions to <mount>/<type>/<id>
// activate it once per distinct concrete path:
//
//	prov, _ := remote.New(remote.Config{
//	    URL:   "wss://backend.example/ws",
//	    Mount: path.New("resource"),
//	})
//	b.RegisterProvider(path.New("resource"), prov)
//
//	// Activation for ["resource", "idea", "abc"] sends:
//	//   {"type": "subscribe_resource", "resourceType": "idea", "resourceId": "abc", ...}
//	// and a later server frame
//	//   {"type": "resource_updated", "resourceType": "idea", "resourceId": "abc", "data": {...}}
//	// is published to ["resource", "idea", "abc"].
//
// The connection opens on the first activation and closes when the
// last one is released. On a dropped connection the provider flags the
// live paths stale through Config.OnStale, reconnects with capped
// exponential backoff, and resubscribes everything still activated;
// consumers then drive the bus's resync protocol to catch up.
package remote
