// Package rxgrpc provides tools for carrying gRPC streams as reactive streams:
// sequences with explicit, numeric demand where a producer never emits more
// elements than its consumer has requested.
//
// gRPC delivers messages on its own schedule and is throttled by asking for
// more ("push" flow control). Reactive streams are throttled by the consumer
// requesting a number of elements ("pull" flow control). This package bridges
// the two in both directions:
//
//   - StreamObserverPublisher receives messages pushed by a call and exposes
//     them as a Publisher that honors subscriber demand. It replenishes the
//     call in fixed batches (see WithPrefetch) instead of one message at a
//     time.
//   - SubscriberProducer subscribes to a Publisher of outbound messages and
//     forwards them to a call, pulling only as fast as the call reports
//     itself ready to send.
//
// Both adapters are lock-free on their hot paths: any goroutine may call
// into them concurrently, and all delivery is funneled through a single
// drain loop that at most one goroutine executes at a time.
//
// The client-side functions OneToMany, ManyToOne and ManyToMany, and the
// server-side functions ServeOneToMany, ServeManyToOne and ServeManyToMany,
// wire these adapters to the streams of real gRPC calls.
package rxgrpc
