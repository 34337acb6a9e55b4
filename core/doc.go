// Package core contains the credential domain: keys, credentials, stores and
// the manager that hands out fresh credentials to concurrent callers.
// Transport and connection packages depend on core; core must not depend on
// them.
package core
