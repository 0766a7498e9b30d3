// Package warehouse is the connector to the SQL warehouse.
//
// A Connector executes statements, answers queries as columnar batches and
// runs transactional writes. The bulk path streams a Batch in one call: COPY
// on postgres, the appender on DuckDB. Memory is an in-process connector for
// tests and dry runs.
package warehouse
