// Package testutils provides testing utilities for the dbrouter project.
//
// Key components:
//   - FakeDatabase: an in-memory alias implementing pool.Connector and
//     health.Target, with scriptable statement and ping failures
//   - SetupTestDatabase: opens the aliases listed in config-test.toml for
//     integration tests
//
// Example usage:
//
//	import "github.com/migadu/dbrouter/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		primary := testutils.NewFakeDatabase()
//		primary.FailNext(errors.New("connection reset by peer"))
//		// Pass primary to pool.NewManager and health.NewProber...
//	}
package testutils
