package redisstore

import "github.com/redis/go-redis/v9"

// Script status codes shared by the Lua scripts below.
const (
	statusNotFound int64 = 0
	statusOK       int64 = 1
	statusDropped  int64 = 2
	statusExpired  int64 = 3
	statusConflict int64 = -1
	statusMissing  int64 = -2
)

// KEYS: handle index, contact index, identity sequence.
// ARGV: prefix, handle, contact, created_ms.
const createIdentityScript = `
if redis.call("HEXISTS", KEYS[1], ARGV[2]) == 1 then
  return -1
end
if ARGV[3] ~= "" and redis.call("HEXISTS", KEYS[2], ARGV[3]) == 1 then
  return -1
end
local id = redis.call("INCR", KEYS[3])
redis.call("HSET", KEYS[1], ARGV[2], id)
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[2], ARGV[3], id)
end
redis.call("HSET", ARGV[1] .. ":ident:" .. id,
  "handle", ARGV[2], "contact", ARGV[3], "verified", "0", "created", ARGV[4])
return id
`

// KEYS: identity, contact index. ARGV: id, contact.
const setContactScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local old = redis.call("HGET", KEYS[1], "contact") or ""
if ARGV[2] ~= "" and ARGV[2] ~= old then
  local owner = redis.call("HGET", KEYS[2], ARGV[2])
  if owner and owner ~= ARGV[1] then
    return -1
  end
end
if old ~= "" and old ~= ARGV[2] then
  redis.call("HDEL", KEYS[2], old)
end
if ARGV[2] ~= "" then
  redis.call("HSET", KEYS[2], ARGV[2], ARGV[1])
end
redis.call("HSET", KEYS[1], "contact", ARGV[2], "verified", "0")
return 1
`

// KEYS: identity.
const markContactVerifiedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "verified", "1")
return 1
`

// ARGV: prefix, id.
const deleteIdentityScript = `
local p = ARGV[1]
local id = ARGV[2]
local ik = p .. ":ident:" .. id
if redis.call("EXISTS", ik) == 0 then
  return 0
end
local handle = redis.call("HGET", ik, "handle")
if handle then
  redis.call("HDEL", p .. ":handle", handle)
end
local contact = redis.call("HGET", ik, "contact")
if contact and contact ~= "" then
  redis.call("HDEL", p .. ":contact", contact)
end

local sk = p .. ":usess:" .. id
for _, tok in ipairs(redis.call("SMEMBERS", sk)) do
  redis.call("DEL", p .. ":sess:" .. tok)
end
redis.call("DEL", sk)

local bk = p .. ":bc:" .. id
for _, h in ipairs(redis.call("HKEYS", bk)) do
  redis.call("HDEL", p .. ":bch", h)
end
redis.call("DEL", bk, p .. ":pw:" .. id, p .. ":totp:" .. id)

local gk = p .. ":igrp:" .. id
for _, g in ipairs(redis.call("SMEMBERS", gk)) do
  redis.call("SREM", p .. ":gmem:" .. g, id)
end
local rk = p .. ":irole:" .. id
for _, r in ipairs(redis.call("SMEMBERS", rk)) do
  redis.call("SREM", p .. ":rident:" .. r, id)
end
redis.call("DEL", gk, rk, ik)
return 1
`

// KEYS: identity, password. ARGV: hash, version, updated_ms.
const putPasswordScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], "hash", ARGV[1], "version", ARGV[2], "updated", ARGV[3])
return 1
`

// KEYS: password. ARGV: old hash, new hash, version, updated_ms.
const upgradePasswordScript = `
local cur = redis.call("HGET", KEYS[1], "hash")
if not cur then
  return -2
end
if cur ~= ARGV[1] then
  return 0
end
local version = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
if version > tonumber(ARGV[3]) then
  return 0
end
redis.call("HSET", KEYS[1], "hash", ARGV[2], "version", ARGV[3], "updated", ARGV[4])
return 1
`

// KEYS: identity, totp. ARGV: algorithm, step, digits, secret, created_ms.
const createTOTPScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -2
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return -1
end
redis.call("HSET", KEYS[2], "algo", ARGV[1], "step", ARGV[2], "digits", ARGV[3],
  "secret", ARGV[4], "last", "0", "created", ARGV[5])
return 1
`

// Backup codes are purged even when no factor is left to delete.
// KEYS: totp, backup codes, backup hash index.
const deleteTOTPScript = `
for _, h in ipairs(redis.call("HKEYS", KEYS[2])) do
  redis.call("HDEL", KEYS[3], h)
end
redis.call("DEL", KEYS[2])
if redis.call("DEL", KEYS[1]) == 0 then
  return 0
end
return 1
`

// KEYS: totp. ARGV: counter.
const advanceTOTPScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -2
end
local last = tonumber(redis.call("HGET", KEYS[1], "last") or "0")
if tonumber(ARGV[1]) <= last then
  return 0
end
redis.call("HSET", KEYS[1], "last", ARGV[1])
return 1
`

// KEYS: backup codes, backup hash index, totp.
// ARGV: id, then (hex hash, epoch, key) triples.
const insertBackupCodesScript = `
if redis.call("EXISTS", KEYS[3]) == 0 then
  return -2
end
for i = 2, #ARGV, 3 do
  if redis.call("HEXISTS", KEYS[2], ARGV[i]) == 1 then
    return -1
  end
end
for i = 2, #ARGV, 3 do
  redis.call("HSET", KEYS[2], ARGV[i], ARGV[1])
  redis.call("HSET", KEYS[1], ARGV[i], "0|" .. ARGV[i + 1] .. "|" .. ARGV[i + 2])
end
return 1
`

// Code entries are "state|epoch|key" with state 0 unused, 1 used, 2 revoked.
// KEYS: backup codes. ARGV: hex hash.
const consumeBackupCodeScript = `
local v = redis.call("HGET", KEYS[1], ARGV[1])
if not v then
  return 0
end
local state = string.sub(v, 1, 1)
if state == "0" then
  redis.call("HSET", KEYS[1], ARGV[1], "1" .. string.sub(v, 2))
  return 1
end
if state == "2" then
  return 0
end
return 2
`

// KEYS: backup codes.
const revokeStaleBackupCodesScript = `
local entries = redis.call("HGETALL", KEYS[1])
local newest = ""
for i = 2, #entries, 2 do
  local epoch = string.match(entries[i], "^%d|([^|]*)|")
  if epoch and epoch > newest then
    newest = epoch
  end
end
local changed = 0
for i = 2, #entries, 2 do
  local v = entries[i]
  local epoch = string.match(v, "^%d|([^|]*)|")
  if epoch and epoch < newest and string.sub(v, 1, 1) ~= "2" then
    redis.call("HSET", KEYS[1], entries[i - 1], "2" .. string.sub(v, 2))
    changed = changed + 1
  end
end
return changed
`

// KEYS: session, identity sessions, identity.
// ARGV: identity, authenticated, verified, issued_ms, expires_ms, auth method,
// verify method, ttl_ms, token.
const createSessionScript = `
if redis.call("EXISTS", KEYS[3]) == 0 then
  return -2
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "auth", ARGV[2], "verified", ARGV[3],
  "dropped", "0", "issued", ARGV[4], "expires", ARGV[5], "am", ARGV[6], "vm", ARGV[7])
redis.call("PEXPIRE", KEYS[1], ARGV[8])
redis.call("SADD", KEYS[2], ARGV[9])
return 1
`

// KEYS: session. ARGV: verify method, now_ms.
const advanceSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "dropped") == "1" then
  return 2
end
if tonumber(redis.call("HGET", KEYS[1], "expires")) <= tonumber(ARGV[2]) then
  return 3
end
redis.call("HSET", KEYS[1], "verified", "1", "vm", ARGV[1])
return 1
`

// KEYS: session. ARGV: expires_ms, now_ms, ttl_ms.
const extendSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "dropped") == "1" then
  return 2
end
if tonumber(redis.call("HGET", KEYS[1], "expires")) <= tonumber(ARGV[2]) then
  return 3
end
redis.call("HSET", KEYS[1], "expires", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`

// KEYS: session.
const dropSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "dropped") == "1" then
  return 2
end
redis.call("HSET", KEYS[1], "dropped", "1")
return 1
`

// KEYS: identity sessions. ARGV: prefix.
const dropIdentitySessionsScript = `
local count = 0
for _, tok in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local sk = ARGV[1] .. ":sess:" .. tok
  if redis.call("EXISTS", sk) == 1 then
    if redis.call("HGET", sk, "dropped") ~= "1" then
      redis.call("HSET", sk, "dropped", "1")
      count = count + 1
    end
  else
    redis.call("SREM", KEYS[1], tok)
  end
end
return count
`

// KEYS: name index, sequence. ARGV: prefix, kind, name, created_ms.
const createNamedScript = `
if redis.call("HEXISTS", KEYS[1], ARGV[3]) == 1 then
  return -1
end
local id = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], ARGV[3], id)
if ARGV[2] == "group" then
  redis.call("HSET", ARGV[1] .. ":group:" .. id, "name", ARGV[3], "created", ARGV[4], "updated", ARGV[4])
else
  redis.call("HSET", ARGV[1] .. ":role:" .. id, "name", ARGV[3])
end
return id
`

// KEYS: group, name index. ARGV: id, name, updated_ms.
const renameGroupScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local owner = redis.call("HGET", KEYS[2], ARGV[2])
if owner and owner ~= ARGV[1] then
  return -1
end
local old = redis.call("HGET", KEYS[1], "name")
if old and old ~= ARGV[2] then
  redis.call("HDEL", KEYS[2], old)
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[1], "name", ARGV[2], "updated", ARGV[3])
return 1
`

// ARGV: prefix, id.
const deleteRoleScript = `
local p = ARGV[1]
local id = ARGV[2]
local rk = p .. ":role:" .. id
if redis.call("EXISTS", rk) == 0 then
  return 0
end
local name = redis.call("HGET", rk, "name")
if name then
  redis.call("HDEL", p .. ":rolename", name)
end
for _, g in ipairs(redis.call("SMEMBERS", p .. ":rgrp:" .. id)) do
  redis.call("SREM", p .. ":grole:" .. g, id)
end
for _, i in ipairs(redis.call("SMEMBERS", p .. ":rident:" .. id)) do
  redis.call("SREM", p .. ":irole:" .. i, id)
end
redis.call("DEL", rk, p .. ":rperm:" .. id, p .. ":rgrp:" .. id, p .. ":rident:" .. id)
return 1
`

// ARGV: prefix, id.
const deleteGroupScript = `
local p = ARGV[1]
local id = ARGV[2]
local gk = p .. ":group:" .. id
if redis.call("EXISTS", gk) == 0 then
  return 0
end
local name = redis.call("HGET", gk, "name")
if name then
  redis.call("HDEL", p .. ":groupname", name)
end
for _, i in ipairs(redis.call("SMEMBERS", p .. ":gmem:" .. id)) do
  redis.call("SREM", p .. ":igrp:" .. i, id)
end
for _, r in ipairs(redis.call("SMEMBERS", p .. ":grole:" .. id)) do
  redis.call("SREM", p .. ":rgrp:" .. r, id)
end
redis.call("DEL", gk, p .. ":gmem:" .. id, p .. ":grole:" .. id)
return 1
`

// KEYS: left entity, right entity, left edge set, right edge set.
// ARGV: left id, right id, "add" or "remove".
const edgeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("EXISTS", KEYS[2]) == 0 then
  return 0
end
if ARGV[3] == "add" then
  redis.call("SADD", KEYS[3], ARGV[2])
  redis.call("SADD", KEYS[4], ARGV[1])
else
  redis.call("SREM", KEYS[3], ARGV[2])
  redis.call("SREM", KEYS[4], ARGV[1])
end
return 1
`

// KEYS: role, role permissions. ARGV: member, "add" or "remove".
const grantScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if ARGV[2] == "add" then
  redis.call("SADD", KEYS[2], ARGV[1])
else
  redis.call("SREM", KEYS[2], ARGV[1])
end
return 1
`

// ARGV: prefix, identity.
const groupRolesScript = `
local p = ARGV[1]
if redis.call("EXISTS", p .. ":ident:" .. ARGV[2]) == 0 then
  return false
end
local out = {}
for _, g in ipairs(redis.call("SMEMBERS", p .. ":igrp:" .. ARGV[2])) do
  for _, r in ipairs(redis.call("SMEMBERS", p .. ":grole:" .. g)) do
    table.insert(out, r)
  end
end
return out
`

// ARGV: prefix, identity, member.
const hasPermissionScript = `
local p = ARGV[1]
if redis.call("EXISTS", p .. ":ident:" .. ARGV[2]) == 0 then
  return -2
end
for _, r in ipairs(redis.call("SMEMBERS", p .. ":irole:" .. ARGV[2])) do
  if redis.call("SISMEMBER", p .. ":rperm:" .. r, ARGV[3]) == 1 then
    return 1
  end
end
for _, g in ipairs(redis.call("SMEMBERS", p .. ":igrp:" .. ARGV[2])) do
  for _, r in ipairs(redis.call("SMEMBERS", p .. ":grole:" .. g)) do
    if redis.call("SISMEMBER", p .. ":rperm:" .. r, ARGV[3]) == 1 then
      return 1
    end
  end
end
return 0
`

var (
	createIdentityLua         = redis.NewScript(createIdentityScript)
	setContactLua             = redis.NewScript(setContactScript)
	markContactVerifiedLua    = redis.NewScript(markContactVerifiedScript)
	deleteIdentityLua         = redis.NewScript(deleteIdentityScript)
	putPasswordLua            = redis.NewScript(putPasswordScript)
	upgradePasswordLua        = redis.NewScript(upgradePasswordScript)
	createTOTPLua             = redis.NewScript(createTOTPScript)
	deleteTOTPLua             = redis.NewScript(deleteTOTPScript)
	advanceTOTPLua            = redis.NewScript(advanceTOTPScript)
	insertBackupCodesLua      = redis.NewScript(insertBackupCodesScript)
	consumeBackupCodeLua      = redis.NewScript(consumeBackupCodeScript)
	revokeStaleBackupCodesLua = redis.NewScript(revokeStaleBackupCodesScript)
	createSessionLua          = redis.NewScript(createSessionScript)
	advanceSessionLua         = redis.NewScript(advanceSessionScript)
	extendSessionLua          = redis.NewScript(extendSessionScript)
	dropSessionLua            = redis.NewScript(dropSessionScript)
	dropIdentitySessionsLua   = redis.NewScript(dropIdentitySessionsScript)
	createNamedLua            = redis.NewScript(createNamedScript)
	renameGroupLua            = redis.NewScript(renameGroupScript)
	deleteRoleLua             = redis.NewScript(deleteRoleScript)
	deleteGroupLua            = redis.NewScript(deleteGroupScript)
	edgeLua                   = redis.NewScript(edgeScript)
	grantLua                  = redis.NewScript(grantScript)
	groupRolesLua             = redis.NewScript(groupRolesScript)
	hasPermissionLua          = redis.NewScript(hasPermissionScript)
)
