package ir

// EngineVersion is the martsync engine version recorded with every run
// summary in the run ledger.
const EngineVersion = "0.1.0"
