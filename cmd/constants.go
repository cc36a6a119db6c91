package cmd

// DefaultForkConfigFilename describes the default config filename looked up in the working directory.
const DefaultForkConfigFilename = "forkdb.json"
