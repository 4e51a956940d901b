// Package client provides a Go SDK for the parallelctl Control API.
//
// Unlike the upstream task-queue client this is adapted from, it is a
// hand-rolled thin wrapper rather than an OpenAPI-generated one: there
// is no checked-in OpenAPI document to generate from, and the Control
// API's surface is small enough that a direct implementation over
// net/http is clearer than a generator dependency.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	status, err := c.Status(ctx)
//
// # Events
//
//	err := c.ConnectEvents(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseEvents()
//
//	for event := range c.Events() {
//	    fmt.Printf("event: %s\n", event.Type)
//	}
//
// # Configuration
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("token"),
//	    client.WithTimeout(30*time.Second),
//	)
package client
