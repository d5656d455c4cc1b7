package shared

// ProjectionAsOfKey is the redis key publishing the last transaction
// sequence folded into the stock projection.
const ProjectionAsOfKey = "ledger:projection:asof"
