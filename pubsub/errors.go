package pubsub

import "errors"

// ErrUnknownSubscription is returned by Unsubscribe when given an id
// that isn't (or is no longer) registered.
var ErrUnknownSubscription = errors.New("pubsub: unknown subscription id")
