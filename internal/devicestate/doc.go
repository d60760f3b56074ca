// Package devicestate keeps a synchronised view of one appliance's data
// points.
//
// The appliance protocol acknowledges a write before the device applies
// it, so reading straight after writing returns stale values. A Cache sits
// between callers and the protocol client and hides that:
//
//   - Reads are served from memory: the last full refresh with an
//     optimistic overlay of recently requested values on top.
//   - Overlay entries expire individually after OptimismTimeout unless a
//     refresh confirms them first.
//   - Writes are debounced. Every SetProperty within DebounceDelay of the
//     previous one is folded into a single outgoing batch, which also
//     re-asserts the device's fixed properties.
//   - Network operations retry up to MaxAttempts times, rotating the
//     protocol version after each failure. When all attempts fail the
//     cache forgets everything it knows about the device.
//
// Network failures never escape the cache. Refresh reports success as a
// bool and exhausted retries are logged and passed to Options.OnFailure.
//
// # Thread Safety
//
// All Cache methods are safe for concurrent use. State and overlay share
// one mutex; a second mutex serialises calls to the protocol client, which
// cannot interleave requests on its single connection. Overlapping Refresh
// and RefreshIfStale calls share one in-flight fetch. OnFailure runs after
// both mutexes are released.
package devicestate
