// Package mongo implements store.Store on the official MongoDB driver.
// Conditional writes filter on the revision field, shape moves run in a
// multi-document transaction, and exclusive leases are serialized through
// a scope-lock collection whose documents are upserted under a condition
// on the current holder. Transactions require a replica set.
//
// The caller owns the *mongo.Client lifecycle:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongo.New(client, "jobs")
//	s.Migrate(ctx)
package mongo
