/*
Package types defines the data model shared by every component of the
conversion engine: Device, Partition, Volume, MigrationJob, ConversionState
and DiskRotation. Nothing in this package has side effects; it exists so
that pkg/blocklayer, pkg/inspector, pkg/migrator, pkg/journal and pkg/engine
can pass the same shapes between each other without import cycles.
*/
package types
