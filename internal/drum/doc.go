// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// drum presents the remote drum array as one flat 1 MiB virtual address
// space. The array is only reachable through the request/response protocol
// implemented in the client package and it knows nothing but blocks, so
// every byte range is split into block operations here.
//
// A Driver is one session. It owns one connection (through its Executor)
// and one block cache, both created by Mount and released by Unmount.
// Reads are served from the cache whenever possible, writes go through the
// cache and are pushed to the array immediately, hence the array always
// holds the authoritative copy.
//
// The array keeps a position cursor which advances by one block after
// every block read or write. The driver tracks where the cursor is and
// skips seeks which would not move it. This only saves round trips and can
// be switched off in Options.
package drum
