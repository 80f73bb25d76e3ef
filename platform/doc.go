// Package platform defines the sandbox platform abstraction layer.
// Most users should use the top-level cuenv package, which selects and
// configures the platform automatically. Import this package directly
// only to inspect platform capabilities or to implement a custom Platform.
package platform
