package sqlsync

const (
	// Writers of one user queue on this lock before touching any row, which
	// also covers users whose first collections are being created.
	lockUser = `SELECT pg_advisory_xact_lock(hashtext($1))`

	selectCollectionsForRead = `
		SELECT collectionid, collection, version FROM collections
		WHERE userid = $1
		FOR SHARE`

	selectCollectionsForWrite = `
		SELECT collectionid, collection, version FROM collections
		WHERE userid = $1
		FOR UPDATE`

	createCollection = `
		INSERT INTO collections (userid, collection, version)
		VALUES ($1, $2, 0)
		RETURNING collectionid`

	updateCollectionVersion = `
		UPDATE collections SET version = $1
		WHERE collectionid = $2`

	selectAllItems = `
		SELECT id, version, timestamp, payload, deleted FROM items
		WHERE collectionid = $1`

	upsertItem = `
		INSERT INTO items (collectionid, id, version, timestamp, payload, deleted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (collectionid, id)
		DO UPDATE SET version = EXCLUDED.version,
		              timestamp = EXCLUDED.timestamp,
		              payload = EXCLUDED.payload,
		              deleted = EXCLUDED.deleted`

	deleteUserItems = `
		DELETE FROM items
		WHERE collectionid IN (SELECT collectionid FROM collections WHERE userid = $1)`

	deleteUserCollections = `DELETE FROM collections WHERE userid = $1`
)
