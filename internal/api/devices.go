package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/repositories"
)

// DeviceHandler groups the inventory HTTP handlers: device CRUD, group CRUD,
// system defaults and the resolved-host view. Every mutation triggers an
// inventory rebuild so dispatch always sees current parameters.
type DeviceHandler struct {
	repo      repositories.DeviceRepository
	inventory *inventory.Service
	logger    *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(repo repositories.DeviceRepository, inv *inventory.Service, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		repo:      repo,
		inventory: inv,
		logger:    logger.Named("device_handler"),
	}
}

// -----------------------------------------------------------------------------
// Request types
// -----------------------------------------------------------------------------

// deviceRequest is the payload for device create and update. Pointer fields
// distinguish "absent" from zero on update.
type deviceRequest struct {
	Name        *string    `json:"name"`
	Hostname    *string    `json:"hostname"`
	Site        *string    `json:"site"`
	DeviceType  *string    `json:"device_type"`
	Platform    *string    `json:"platform"`
	Port        *int       `json:"port"`
	Username    *string    `json:"username"`
	Password    *string    `json:"password"`
	GroupName   *string    `json:"group_name"`
	Data        db.JSONMap `json:"data"`
	Options     db.JSONMap `json:"connection_options"`
	IsActive    *bool      `json:"is_active"`
	Description *string    `json:"description"`
	Vendor      *string    `json:"vendor"`
	Model       *string    `json:"model"`
	OSVersion   *string    `json:"os_version"`
}

type groupRequest struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Username    *string    `json:"username"`
	Password    *string    `json:"password"`
	Platform    *string    `json:"platform"`
	Port        *int       `json:"port"`
	Data        db.JSONMap `json:"data"`
	Options     db.JSONMap `json:"connection_options"`
}

type defaultsRequest struct {
	Username *string    `json:"username"`
	Password *string    `json:"password"`
	Platform *string    `json:"platform"`
	Port     *int       `json:"port"`
	Data     db.JSONMap `json:"data"`
	Options  db.JSONMap `json:"connection_options"`
}

type listDevicesResponse struct {
	Items []db.Device `json:"items"`
	Total int64       `json:"total"`
}

// -----------------------------------------------------------------------------
// Device handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listDevicesResponse{Items: devices, Total: total})
}

// GetByID handles GET /api/v1/devices/{id}.
func (h *DeviceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	device, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, device)
}

// Create handles POST /api/v1/devices.
func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || *req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}
	if req.Hostname == nil || *req.Hostname == "" {
		ErrUnprocessable(w, "hostname is required")
		return
	}

	device := &db.Device{
		Name:              *req.Name,
		Hostname:          *req.Hostname,
		Platform:          "cisco_ios",
		Port:              22,
		IsActive:          true,
		GroupName:         req.GroupName,
		Data:              db.JSONMap{},
		ConnectionOptions: db.JSONMap{},
	}
	applyDeviceRequest(device, &req)

	if err := h.repo.Create(r.Context(), device); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a device with this name already exists")
			return
		}
		h.logger.Error("failed to create device", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.reload(r)
	Created(w, device)
}

// Update handles PATCH /api/v1/devices/{id}.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	device, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.GroupName != nil {
		device.GroupName = req.GroupName
	}
	applyDeviceRequest(device, &req)

	if err := h.repo.Update(r.Context(), device); err != nil {
		h.logger.Error("failed to update device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.reload(r)
	Ok(w, device)
}

// Delete handles DELETE /api/v1/devices/{id}.
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.reload(r)
	NoContent(w)
}

// applyDeviceRequest copies the present fields of req onto device.
// GroupName is handled by the callers because create and update treat its
// absence differently.
func applyDeviceRequest(device *db.Device, req *deviceRequest) {
	if req.Name != nil {
		device.Name = *req.Name
	}
	if req.Hostname != nil {
		device.Hostname = *req.Hostname
	}
	if req.Site != nil {
		device.Site = *req.Site
	}
	if req.DeviceType != nil {
		device.DeviceType = *req.DeviceType
	}
	if req.Platform != nil {
		device.Platform = *req.Platform
	}
	if req.Port != nil {
		device.Port = *req.Port
	}
	if req.Username != nil {
		device.Username = *req.Username
	}
	if req.Password != nil {
		device.Password = db.EncryptedString(*req.Password)
	}
	if req.Data != nil {
		device.Data = req.Data
	}
	if req.Options != nil {
		device.ConnectionOptions = req.Options
	}
	if req.IsActive != nil {
		device.IsActive = *req.IsActive
	}
	if req.Description != nil {
		device.Description = *req.Description
	}
	if req.Vendor != nil {
		device.Vendor = *req.Vendor
	}
	if req.Model != nil {
		device.Model = *req.Model
	}
	if req.OSVersion != nil {
		device.OSVersion = *req.OSVersion
	}
}

// -----------------------------------------------------------------------------
// Group handlers
// -----------------------------------------------------------------------------

// ListGroups handles GET /api/v1/groups.
func (h *DeviceHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.repo.ListGroups(r.Context())
	if err != nil {
		h.logger.Error("failed to list groups", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, groups)
}

// CreateGroup handles POST /api/v1/groups.
func (h *DeviceHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || *req.Name == "" {
		ErrUnprocessable(w, "name is required")
		return
	}

	group := &db.DeviceGroup{
		Name:              *req.Name,
		Data:              db.JSONMap{},
		ConnectionOptions: db.JSONMap{},
	}
	applyGroupRequest(group, &req)

	if err := h.repo.CreateGroup(r.Context(), group); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a group with this name already exists")
			return
		}
		h.logger.Error("failed to create group", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.reload(r)
	Created(w, group)
}

// UpdateGroup handles PATCH /api/v1/groups/{id}.
func (h *DeviceHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	group, err := h.repo.GetGroupByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get group", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	applyGroupRequest(group, &req)

	if err := h.repo.UpdateGroup(r.Context(), group); err != nil {
		h.logger.Error("failed to update group", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.reload(r)
	Ok(w, group)
}

// DeleteGroup handles DELETE /api/v1/groups/{id}.
func (h *DeviceHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.DeleteGroup(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete group", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.reload(r)
	NoContent(w)
}

func applyGroupRequest(group *db.DeviceGroup, req *groupRequest) {
	if req.Name != nil {
		group.Name = *req.Name
	}
	if req.Description != nil {
		group.Description = *req.Description
	}
	if req.Username != nil {
		group.Username = req.Username
	}
	if req.Password != nil {
		group.Password = db.EncryptedString(*req.Password)
	}
	if req.Platform != nil {
		group.Platform = req.Platform
	}
	if req.Port != nil {
		group.Port = req.Port
	}
	if req.Data != nil {
		group.Data = req.Data
	}
	if req.Options != nil {
		group.ConnectionOptions = req.Options
	}
}

// -----------------------------------------------------------------------------
// Defaults handlers
// -----------------------------------------------------------------------------

// GetDefaults handles GET /api/v1/defaults.
func (h *DeviceHandler) GetDefaults(w http.ResponseWriter, r *http.Request) {
	defaults, err := h.repo.GetDefaults(r.Context())
	if err != nil {
		h.logger.Error("failed to get defaults", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, defaults)
}

// UpdateDefaults handles PUT /api/v1/defaults.
func (h *DeviceHandler) UpdateDefaults(w http.ResponseWriter, r *http.Request) {
	var req defaultsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	defaults, err := h.repo.GetDefaults(r.Context())
	if err != nil {
		h.logger.Error("failed to get defaults", zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Username != nil {
		defaults.Username = req.Username
	}
	if req.Password != nil {
		defaults.Password = db.EncryptedString(*req.Password)
	}
	if req.Platform != nil {
		defaults.Platform = req.Platform
	}
	if req.Port != nil {
		defaults.Port = req.Port
	}
	if req.Data != nil {
		defaults.Data = req.Data
	}
	if req.Options != nil {
		defaults.ConnectionOptions = req.Options
	}

	if err := h.repo.UpdateDefaults(r.Context(), defaults); err != nil {
		h.logger.Error("failed to update defaults", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.reload(r)
	Ok(w, defaults)
}

// -----------------------------------------------------------------------------
// Resolved inventory
// -----------------------------------------------------------------------------

// ListHosts handles GET /api/v1/hosts. It serves the resolved inventory view
// with optional filters: group, platform, and any data key via data.<key>.
func (h *DeviceHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	filters := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch {
		case key == "group" || key == "platform":
			filters[key] = values[0]
		case len(key) > 5 && key[:5] == "data.":
			filters[key] = values[0]
		}
	}

	snap := h.inventory.Snapshot()
	names := snap.ListHosts(filters)
	hosts := make([]*inventory.Host, 0, len(names))
	for _, name := range names {
		hosts = append(hosts, snap.GetHost(name))
	}
	Ok(w, envelope{"items": hosts, "built_at": snap.BuiltAt()})
}

// GetHost handles GET /api/v1/hosts/{name}: one resolved host.
func (h *DeviceHandler) GetHost(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	host := h.inventory.Snapshot().GetHost(name)
	if host == nil {
		ErrNotFound(w)
		return
	}
	Ok(w, host)
}

// ReloadInventory handles POST /api/v1/inventory/reload.
func (h *DeviceHandler) ReloadInventory(w http.ResponseWriter, r *http.Request) {
	if err := h.inventory.Reload(r.Context()); err != nil {
		h.logger.Error("inventory reload failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	snap := h.inventory.Snapshot()
	Ok(w, envelope{"hosts": snap.Len(), "built_at": snap.BuiltAt()})
}

// reload rebuilds the inventory after a mutation. A rebuild failure is logged
// but does not fail the mutation that triggered it; dispatch keeps serving
// the previous snapshot until the next successful rebuild.
func (h *DeviceHandler) reload(r *http.Request) {
	if err := h.inventory.Reload(r.Context()); err != nil {
		h.logger.Error("inventory reload after mutation failed", zap.Error(err))
	}
}
