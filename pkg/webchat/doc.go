// Package webchat keeps one client's view of a chat room in sync with a pub/sub chat server.
//
// Ownership model:
//   - A Channel owns one session (user, room) from Init to Teardown. Switching rooms means
//     tearing the channel down and creating a new one.
//   - The Transport, HistoryFetcher, RoomCreator and RenderSink are supplied by the application.
//     pkg/transport/eventbus and pkg/transport/pubsub provide transports, pkg/httpapi provides
//     history and room creation, pkg/ui provides sinks.
//
// Ordering model:
//   - All channel state is mutated on a single event loop. Transport deliveries, lookup
//     completions and history completions are posted to it and run one at a time.
//   - History entries are rendered before any live message; live messages that arrive while
//     history is loading are buffered and flushed in arrival order.
//   - Results that arrive after Teardown are discarded.
package webchat
