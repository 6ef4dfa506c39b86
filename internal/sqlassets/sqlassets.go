// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package sqlassets holds the server-side SQL this system installs and
// owns: the parse-query routine used by the query analyzer, and the
// parameterized trigger function template used by the trigger
// installer. Every name here carries the reserved "_pg_realtime_"
// prefix so that DestroyObjects can find and drop them unambiguously.
package sqlassets

import "fmt"

// Prefix is shared by every database object this system creates.
const Prefix = "_pg_realtime_"

// Channel is the single LISTEN/NOTIFY channel all installed triggers
// publish to.
const Channel = Prefix + "table_changes"

// ParseQueryFunction is the name of the server-side routine installed
// by CreateParseQueryRoutine.
const ParseQueryFunction = Prefix + "parse_query"

// Size limits from the specification's trigger template (§4.1.2,
// §6 "Numeric limits").
const (
	// HashThresholdBytes: a column's text form longer than this is
	// replaced by its SHA-256 hex digest.
	HashThresholdBytes = 5000
	// EnvelopeTargetBytes: the notify envelope's serialized size is
	// degraded down toward this target; it is a best-effort ceiling,
	// not a hard limit, since Postgres' own NOTIFY payload limit is 8kB.
	EnvelopeTargetBytes = 7500
	// DegradeThresholdBytes: during size-degradation, a column is only
	// hashed if its un-hashed value exceeds this length; hashing a
	// shorter value wouldn't shrink the envelope.
	DegradeThresholdBytes = 64
)

// parseQueryTemplate creates the %[1]s routine. It materializes the
// caller's query as a temporary view, reads the view's table/column
// dependencies back out of information_schema, then drops the view.
// %[1]s is the routine name.
const parseQueryTemplate = `
CREATE OR REPLACE FUNCTION %[1]s(query text)
RETURNS TABLE(object_type text, tname text, cname text)
LANGUAGE plpgsql
AS $f$
DECLARE
  vname text := format('_pg_realtime_parse_%%s', replace(gen_random_uuid()::text, '-', ''));
BEGIN
  EXECUTE format('CREATE TEMPORARY VIEW %%I AS %%s', vname, query);

  RETURN QUERY
  SELECT DISTINCT 'table'::text,
    CASE WHEN vtu.table_schema = 'public'
         THEN vtu.table_name
         ELSE vtu.table_schema || '.' || vtu.table_name
    END,
    NULL::text
  FROM information_schema.view_table_usage vtu
  WHERE vtu.view_name = vname AND vtu.view_schema = pg_my_temp_schema()::regnamespace::text;

  RETURN QUERY
  SELECT 'column'::text,
    CASE WHEN vcu.table_schema = 'public'
         THEN vcu.table_name
         ELSE vcu.table_schema || '.' || vcu.table_name
    END,
    vcu.column_name
  FROM information_schema.view_column_usage vcu
  WHERE vcu.view_name = vname AND vcu.view_schema = pg_my_temp_schema()::regnamespace::text;

  EXECUTE format('DROP VIEW %%I', vname);
END;
$f$;
`

// CreateParseQueryRoutine renders the parse-query routine DDL. name is
// normally ParseQueryFunction; it is parameterized so tests can install
// a scratch copy without colliding with a shared instance.
func CreateParseQueryRoutine(name string) string {
	return fmt.Sprintf(parseQueryTemplate, name)
}

// triggerFunctionTemplate renders the notify function for one table.
// Placeholders, in order: (1) function name, (2) relation source text
// for a ::regclass cast (e.g. "public"."users"), (3) channel name,
// (4) hash threshold, (5) envelope target, (6) degrade threshold,
// (7) qualified display name recorded in the envelope's "table" field.
const triggerFunctionTemplate = `
CREATE OR REPLACE FUNCTION %[1]s()
RETURNS trigger
LANGUAGE plpgsql
AS $f$
DECLARE
  rec RECORD;
  col text;
  col_oid oid;
  old_oid oid;
  new_text text;
  old_text text;
  new_raw text;
  row_obj jsonb := '{}'::jsonb;
  old_obj jsonb := '{}'::jsonb;
  hashed text[] := '{}';
  envelope jsonb;
  degrade_col text;
  degrade_len int;
  cand_len int;
BEGIN
  FOR rec IN
    SELECT a.attname AS name, a.atttypid AS oid
    FROM pg_attribute a
    WHERE a.attrelid = '%[2]s'::regclass
      AND a.attnum > 0
      AND NOT a.attisdropped
    ORDER BY a.attnum
  LOOP
    col := rec.name;
    col_oid := rec.oid;
    old_oid := rec.oid;

    IF TG_OP IN ('INSERT', 'UPDATE') THEN
      EXECUTE format('SELECT ($1).%%I::text', col) INTO new_text USING NEW;
    ELSE
      new_text := NULL;
    END IF;
    IF TG_OP IN ('UPDATE', 'DELETE') THEN
      EXECUTE format('SELECT ($1).%%I::text', col) INTO old_text USING OLD;
    ELSE
      old_text := NULL;
    END IF;

    IF TG_OP = 'DELETE' THEN
      IF old_text IS NOT NULL AND length(old_text) > %[4]d THEN
        old_text := encode(digest(old_text, 'sha256'), 'hex');
        hashed := array_append(hashed, col);
        old_oid := 'text'::regtype::oid;
      END IF;
      row_obj := row_obj || jsonb_build_object(col, jsonb_build_object('value', old_text, 'oid', old_oid));
      CONTINUE;
    END IF;

    -- new_raw holds the pre-hash text so the UPDATE distinct check below
    -- compares raw-to-raw instead of raw-to-digest.
    new_raw := new_text;

    IF new_text IS NOT NULL AND length(new_text) > %[4]d THEN
      new_text := encode(digest(new_text, 'sha256'), 'hex');
      hashed := array_append(hashed, col);
      col_oid := 'text'::regtype::oid;
    END IF;
    row_obj := row_obj || jsonb_build_object(col, jsonb_build_object('value', new_text, 'oid', col_oid));

    IF TG_OP = 'UPDATE' AND old_text IS DISTINCT FROM new_raw THEN
      IF old_text IS NOT NULL AND length(old_text) > %[4]d THEN
        old_text := encode(digest(old_text, 'sha256'), 'hex');
        old_oid := 'text'::regtype::oid;
      END IF;
      old_obj := old_obj || jsonb_build_object(col, jsonb_build_object('value', old_text, 'oid', old_oid));
    END IF;
  END LOOP;

  envelope := jsonb_build_object(
    'table', '%[7]s',
    'operation', TG_OP,
    'row', row_obj,
    'hashed', to_jsonb(hashed)
  );
  IF TG_OP = 'UPDATE' THEN
    envelope := envelope || jsonb_build_object('old_values', old_obj);
  END IF;

  -- Payload-size degradation loop: while the envelope is too large,
  -- hash the longest un-hashed column in row_obj that is worth hashing.
  WHILE length(envelope::text) > %[5]d LOOP
    degrade_col := NULL;
    degrade_len := 0;
    FOR rec IN SELECT * FROM jsonb_each(row_obj) LOOP
      IF rec.key = ANY(hashed) THEN
        CONTINUE;
      END IF;
      cand_len := length(COALESCE(rec.value->>'value', ''));
      IF cand_len > degrade_len THEN
        degrade_len := cand_len;
        degrade_col := rec.key;
      END IF;
    END LOOP;
    EXIT WHEN degrade_col IS NULL OR degrade_len <= %[6]d;

    row_obj := jsonb_set(row_obj, ARRAY[degrade_col, 'value'],
      to_jsonb(encode(digest(row_obj->degrade_col->>'value', 'sha256'), 'hex')));
    row_obj := jsonb_set(row_obj, ARRAY[degrade_col, 'oid'], to_jsonb('text'::regtype::oid));
    IF old_obj ? degrade_col THEN
      old_obj := jsonb_set(old_obj, ARRAY[degrade_col, 'value'],
        to_jsonb(encode(digest(old_obj->degrade_col->>'value', 'sha256'), 'hex')));
      old_obj := jsonb_set(old_obj, ARRAY[degrade_col, 'oid'], to_jsonb('text'::regtype::oid));
    END IF;
    hashed := array_append(hashed, degrade_col);

    envelope := jsonb_build_object(
      'table', '%[7]s',
      'operation', TG_OP,
      'row', row_obj,
      'hashed', to_jsonb(hashed)
    );
    IF TG_OP = 'UPDATE' THEN
      envelope := envelope || jsonb_build_object('old_values', old_obj);
    END IF;
  END LOOP;

  PERFORM pg_notify('%[3]s', envelope::text);
  RETURN NULL;
EXCEPTION WHEN OTHERS THEN
  PERFORM pg_notify('%[3]s', jsonb_build_object(
    'table', '%[7]s',
    'operation', TG_OP,
    'error', SQLERRM
  )::text);
  RETURN NULL;
END;
$f$;
`

// TriggerFunctionName is the owned function name for one table.
func TriggerFunctionName(tableSafeName string) string {
	return fmt.Sprintf("%snotify_%s", Prefix, tableSafeName)
}

// TriggerName is the owned trigger name for one table.
func TriggerName(tableSafeName string) string {
	return fmt.Sprintf("%strigger_%s", Prefix, tableSafeName)
}

// Thresholds are the size-degradation knobs baked into a table's
// trigger function at install time. DefaultThresholds matches the
// specification's fixed numeric limits; a System built with a custom
// Config installs triggers with its own Thresholds instead, so the
// degradation behavior can be tuned per deployment without touching
// sqlassets itself.
type Thresholds struct {
	HashThresholdBytes    int
	EnvelopeTargetBytes   int
	DegradeThresholdBytes int
}

// DefaultThresholds reproduces the specification's fixed numeric
// limits (§6 "Numeric limits").
var DefaultThresholds = Thresholds{
	HashThresholdBytes:    HashThresholdBytes,
	EnvelopeTargetBytes:   EnvelopeTargetBytes,
	DegradeThresholdBytes: DegradeThresholdBytes,
}

// CreateTriggerFunction renders the notify function DDL for one table.
// functionName and qualifiedRelation (e.g. `"public"."users"`) identify
// the target table; qualifiedDisplayName is the "schema.name" (or bare
// name) string recorded in the envelope's "table" field.
func CreateTriggerFunction(functionName, qualifiedRelation, qualifiedDisplayName string, t Thresholds) string {
	return fmt.Sprintf(triggerFunctionTemplate,
		functionName,            // 1
		qualifiedRelation,       // 2
		Channel,                 // 3
		t.HashThresholdBytes,    // 4
		t.EnvelopeTargetBytes,   // 5
		t.DegradeThresholdBytes, // 6
		qualifiedDisplayName,    // 7
	)
}

// CreateTrigger renders the AFTER-trigger DDL binding triggerName to
// functionName on qualifiedRelation.
func CreateTrigger(triggerName, functionName, qualifiedRelation string) string {
	return fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s ON %[3]s;
CREATE TRIGGER %[1]s
AFTER INSERT OR UPDATE OR DELETE ON %[3]s
FOR EACH ROW EXECUTE FUNCTION %[2]s();
`, triggerName, functionName, qualifiedRelation)
}

// DestroyObjectsQuery enumerates every function owned by this system,
// for use by the admin DestroyObjects operation. Triggers are not listed:
// they go with their notify function when it is dropped with CASCADE.
const DestroyObjectsQuery = `
SELECT p.proname
FROM pg_proc p
WHERE p.proname LIKE '` + Prefix + `%'
`
