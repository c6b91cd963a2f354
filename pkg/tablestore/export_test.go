package tablestore

// OpenMappingsForTesting returns the number of live in-process mappings.
func OpenMappingsForTesting() int {
	return openMappings()
}
