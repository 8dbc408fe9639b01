// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing pipeline definitions and scripting
// agent behaviour. These helpers are not intended for production usage.
package testutil
