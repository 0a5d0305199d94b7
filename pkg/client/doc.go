// Package client is the Go SDK for the deesec ledger HTTP API.
//
// # Connecting
//
// In open mode the caller identity is sent as a plain header:
//
//	c, err := client.New("http://localhost:8080", client.WithIdentity("0xAAA"))
//
// In token mode a bearer token issued by the ledger is attached to every
// request through an oauth2 transport:
//
//	c, err := client.New("https://ledger.example.com", client.WithBearerToken(tok))
//
// # Records and grants
//
//	id, err := c.CreateRecord(ctx, "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
//	receipt, err := c.GrantPermission(ctx, id, "0xBBB")
//	grants, err := c.ListGrants(ctx, id)
//
// Errors reported by the ledger match ErrInvalidInput, ErrNotFound,
// ErrUnauthorized and ErrUnauthenticated with errors.Is.
//
// # Watching events
//
// Watch follows the server-sent event stream until the context is done:
//
//	err := c.Watch(ctx, client.WatchOptions{}, func(e client.Event) bool {
//	    fmt.Println(e.Type, e.RecordID)
//	    return true
//	})
package client
