/*
Package engine implements a versioned, transactional object store on top of
a key-value store (Bolt, or an in-memory tree for tests).

The API is event driven. Opening a database, reading and writing records,
advancing a cursor all return a Request that later fires a success or error
event; transactions fire complete or abort; open requests may additionally
fire blocked and upgradeneeded. Listeners can attach after the operation
started: events fired while nobody listened are replayed to the first
listener.

We implement:

1. Databases, identified by name and carrying a version number. Object stores
and indexes are created or removed only in the version change transaction
that runs when a database is opened with a higher version.

2. Object stores, collections of records (msgpack-encodable maps) keyed by a
primary key that is either taken from a field of the record (key path),
generated (auto-increment), or supplied on every write.

3. Indexes, ordered by an indexed field (or several, for compound keys), with
an optional uniqueness constraint.

4. Cursors over object stores and indexes, bounded by key ranges, in both
directions.

# Technical Details

**Buckets.**
Each object store is a root bucket named "store/<name>" holding a "data"
bucket and one "i/<index>" bucket per index. The root bucket's sequence is
the key generator, so clearing a store keeps it. Database state (version,
stores, indexes) is a msgpack document in the "_meta" bucket.

**Key encoding.**
Keys are encoded with an order-preserving, prefix-free encoding: a type tag,
then fixed-width numbers and dates, or escaped and terminated strings and
binaries, or a terminated sequence of encoded elements for arrays.

**Index entries.**
A unique index maps the encoded index value to the encoded primary key.
A non-unique index appends the encoded primary key to the encoded index value
and stores the primary key as the value too, so entries with equal index
values are ordered by primary key.

**Value**: flags (uvarint), then msgpack data, then xxhash64 of the data.
*/
package engine
