package store

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// Control store: source file registry and job observability.
// config_key is deliberately not unique; SetStatus refuses ambiguous keys.
const controlSchemaV1 = `
CREATE TABLE IF NOT EXISTS dw_configurations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  config_key TEXT NOT NULL,
  config_group TEXT NOT NULL DEFAULT 'FILE_PATH',
  config_value TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  file_status TEXT NOT NULL DEFAULT 'NP',
  last_modified DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS etl_job_log (
  job_id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_uuid TEXT,
  job_name TEXT NOT NULL,
  start_time DATETIME NOT NULL,
  end_time DATETIME,
  status TEXT NOT NULL,
  records_processed INTEGER NOT NULL DEFAULT 0,
  error_message TEXT
);

CREATE TABLE IF NOT EXISTS etl_step_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id INTEGER NOT NULL REFERENCES etl_job_log(job_id),
  step_name TEXT NOT NULL,
  source_file TEXT,
  start_time DATETIME NOT NULL,
  end_time DATETIME NOT NULL,
  status TEXT NOT NULL,
  records_processed INTEGER NOT NULL DEFAULT 0,
  error_message TEXT
);

CREATE TABLE IF NOT EXISTS data_quality_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id INTEGER NOT NULL REFERENCES etl_job_log(job_id),
  check_name TEXT NOT NULL,
  check_time DATETIME NOT NULL,
  table_name TEXT NOT NULL,
  failed_records INTEGER NOT NULL,
  error_details TEXT
);

CREATE TABLE IF NOT EXISTS etl_error_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id INTEGER,
  phase TEXT NOT NULL,
  error_type TEXT NOT NULL,
  message TEXT NOT NULL,
  source_file TEXT,
  row_number INTEGER NOT NULL DEFAULT 0,
  logged_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_summary (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id INTEGER,
  file_name TEXT NOT NULL,
  checksum TEXT,
  total_rows INTEGER NOT NULL,
  successful_rows INTEGER NOT NULL,
  failed_rows INTEGER NOT NULL,
  processing_ms INTEGER NOT NULL,
  processed_at DATETIME NOT NULL
);
`

// Staging store: typed raw rows plus the quarantine audit
const stagingSchemaV1 = `
CREATE TABLE IF NOT EXISTS staging_mobile (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT,
  brand TEXT,
  model TEXT,
  battery_capacity INTEGER,
  screen_size REAL,
  touchscreen INTEGER,
  resolution_x INTEGER,
  resolution_y INTEGER,
  processor TEXT,
  ram INTEGER,
  internal_storage INTEGER,
  rear_camera TEXT,
  front_camera TEXT,
  operating_system TEXT,
  price REAL,
  source_file_name TEXT NOT NULL,
  row_number INTEGER NOT NULL,
  loaded_at DATETIME,
  UNIQUE (source_file_name, row_number)
);

CREATE TABLE IF NOT EXISTS invalid_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  table_name TEXT NOT NULL,
  invalid_record TEXT NOT NULL,
  reason TEXT NOT NULL,
  quarantined_at DATETIME NOT NULL
);
`

// Warehouse store: star schema and the price change audit
const warehouseSchemaV1 = `
CREATE TABLE IF NOT EXISTS DimBrand (
  BrandKey INTEGER PRIMARY KEY AUTOINCREMENT,
  BrandName TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS DimModel (
  ModelKey INTEGER PRIMARY KEY AUTOINCREMENT,
  ModelName TEXT NOT NULL,
  BrandKey INTEGER NOT NULL REFERENCES DimBrand(BrandKey),
  UNIQUE (ModelName, BrandKey)
);

CREATE TABLE IF NOT EXISTS DimSpecification (
  SpecKey INTEGER PRIMARY KEY AUTOINCREMENT,
  BatteryCapacity INTEGER,
  ScreenSize REAL,
  Touchscreen INTEGER,
  ResolutionX INTEGER,
  ResolutionY INTEGER,
  RAM INTEGER,
  InternalStorage INTEGER,
  UNIQUE (BatteryCapacity, ScreenSize, Touchscreen, ResolutionX, ResolutionY, RAM, InternalStorage)
);

CREATE TABLE IF NOT EXISTS DimProcessor (
  ProcessorKey INTEGER PRIMARY KEY AUTOINCREMENT,
  ProcessorName TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS DimCamera (
  CameraKey INTEGER PRIMARY KEY AUTOINCREMENT,
  RearCamera TEXT,
  FrontCamera TEXT,
  UNIQUE (RearCamera, FrontCamera)
);

CREATE TABLE IF NOT EXISTS DimOS (
  OSKey INTEGER PRIMARY KEY AUTOINCREMENT,
  OSName TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS FactPhone (
  PhoneKey INTEGER PRIMARY KEY AUTOINCREMENT,
  ModelKey INTEGER NOT NULL REFERENCES DimModel(ModelKey),
  SpecKey INTEGER NOT NULL REFERENCES DimSpecification(SpecKey),
  ProcessorKey INTEGER NOT NULL REFERENCES DimProcessor(ProcessorKey),
  CameraKey INTEGER NOT NULL REFERENCES DimCamera(CameraKey),
  OSKey INTEGER NOT NULL REFERENCES DimOS(OSKey),
  Price REAL NOT NULL,
  CreatedDate DATETIME NOT NULL,
  UpdatedDate DATETIME,
  UNIQUE (ModelKey, SpecKey, ProcessorKey, CameraKey, OSKey)
);

CREATE TABLE IF NOT EXISTS fact_price_update_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  fact_id INTEGER NOT NULL REFERENCES FactPhone(PhoneKey),
  old_price REAL NOT NULL,
  new_price REAL NOT NULL,
  updated_at DATETIME NOT NULL
);
`

// Schema v2 - lookup indexes
const controlSchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_dw_configurations_key ON dw_configurations(config_key);
CREATE INDEX IF NOT EXISTS idx_dw_configurations_status ON dw_configurations(config_group, is_active, file_status);
CREATE INDEX IF NOT EXISTS idx_etl_step_log_job ON etl_step_log(job_id);
CREATE INDEX IF NOT EXISTS idx_data_quality_log_job ON data_quality_log(job_id);
CREATE INDEX IF NOT EXISTS idx_etl_error_log_job ON etl_error_log(job_id);
`

const stagingSchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_staging_mobile_source ON staging_mobile(source_file_name);
CREATE INDEX IF NOT EXISTS idx_invalid_records_reason ON invalid_records(table_name, reason);
`

const warehouseSchemaV2 = `
CREATE INDEX IF NOT EXISTS idx_fact_price_update_log_fact ON fact_price_update_log(fact_id);
CREATE INDEX IF NOT EXISTS idx_dim_model_brand ON DimModel(BrandKey);
`

func schemaV1For(role Role) []string {
	switch role {
	case RoleControl:
		return []string{controlSchemaV1}
	case RoleStaging:
		return []string{stagingSchemaV1}
	case RoleWarehouse:
		return []string{warehouseSchemaV1}
	default:
		return []string{controlSchemaV1, stagingSchemaV1, warehouseSchemaV1}
	}
}

func schemaV2For(role Role) []string {
	switch role {
	case RoleControl:
		return []string{controlSchemaV2}
	case RoleStaging:
		return []string{stagingSchemaV2}
	case RoleWarehouse:
		return []string{warehouseSchemaV2}
	default:
		return []string{controlSchemaV2, stagingSchemaV2, warehouseSchemaV2}
	}
}
