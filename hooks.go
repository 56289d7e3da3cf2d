package nds

// ModifiedKeyNotifier is the narrow interface NDS calls on every write-path
// mutation, standing in for the surrounding server's watch/notify mechanism.
// The store never depends on a concrete pub-sub implementation.
type ModifiedKeyNotifier interface {
	KeyModified(db int, key []byte)
}

// ReplicationFeeder is the narrow interface NDS calls when an expired key is
// reaped, standing in for the surrounding server's replication/AOF DEL feed.
type ReplicationFeeder interface {
	FeedDelete(db int, key []byte)
}

type noopNotifier struct{}

func (noopNotifier) KeyModified(db int, key []byte) {}

type noopFeeder struct{}

func (noopFeeder) FeedDelete(db int, key []byte) {}
