package core

import "labledger/pkg/domain"

type (
	EntityType      = domain.EntityType
	Actor           = domain.Actor
	Record          = domain.Record
	Revision        = domain.Revision
	RevisionKind    = domain.RevisionKind
	FieldChange     = domain.FieldChange
	ApprovalRequest = domain.ApprovalRequest
	ActivityKind    = domain.ActivityKind
	SaveMode        = domain.SaveMode
	Element         = domain.Element
	PermissionGrant = domain.PermissionGrant
	Schema          = domain.Schema
	SchemaRegistry  = domain.SchemaRegistry
	ErrNotFound     = domain.ErrNotFound
)

const (
	EntityPlasmid       = domain.EntityPlasmid
	EntityStrain        = domain.EntityStrain
	EntityOligo         = domain.EntityOligo
	EntityAntibody      = domain.EntityAntibody
	EntityCellLine      = domain.EntityCellLine
	EntityInhibitor     = domain.EntityInhibitor
	EntityOrder         = domain.EntityOrder
	EntityProject       = domain.EntityProject
	EntityElement       = domain.EntityElement
	EntityGenTechMethod = domain.EntityGenTechMethod
	EntityDocument      = domain.EntityDocument
)

const (
	RevisionCreated = domain.RevisionCreated
	RevisionChanged = domain.RevisionChanged
	RevisionDeleted = domain.RevisionDeleted
)

const (
	ActivityCreated = domain.ActivityCreated
	ActivityChanged = domain.ActivityChanged
)

const (
	SaveWithRevision = domain.SaveWithRevision
	SaveSilent       = domain.SaveSilent
)

const (
	FieldName               = domain.FieldName
	FieldOwnerID            = domain.FieldOwnerID
	FieldMapKey             = domain.FieldMapKey
	FieldMapGenBank         = domain.FieldMapGenBank
	FieldMapPreview         = domain.FieldMapPreview
	FieldCreatedAt          = domain.FieldCreatedAt
	FieldLastModified       = domain.FieldLastModified
	FieldCreationApproved   = domain.FieldCreationApproved
	FieldChangeApproved     = domain.FieldChangeApproved
	FieldApprovalDecisionAt = domain.FieldApprovalDecisionAt
	FieldApprovedByID       = domain.FieldApprovedByID
)
