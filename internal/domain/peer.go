package domain

// PeerID identifies a connected peer across the broker and the streamer
// process. Ids are allocated by the broker and never reused within a room's
// lifetime.
type PeerID uint64
