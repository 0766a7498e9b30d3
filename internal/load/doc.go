// Package load writes extracted batches into the warehouse.
//
// Load is the partition path: inside one transaction it deletes the rows
// whose key lies in the partition window and bulk-inserts the new batch, so
// loading the same partition twice leaves the table as a single load would.
// Missing tables are bootstrapped from the batch schema first. Replace and
// Append serve unpartitioned full refreshes and append-only logs.
package load
